package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Hostname == "" {
		t.Error("default hostname is empty")
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Dispatcher.Workers)
	}
	if cfg.Dispatcher.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Dispatcher.MaxAttempts)
	}
	if cfg.Dispatcher.BackoffBase != 30*time.Second {
		t.Errorf("backoff base = %v, want 30s", cfg.Dispatcher.BackoffBase)
	}
	if cfg.Scheduler.PollInterval != 5*time.Second {
		t.Errorf("scheduler poll = %v, want 5s", cfg.Scheduler.PollInterval)
	}
	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("api addr = %s, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics defaults = %s %s", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.Events.Buffer != 1024 {
		t.Errorf("events buffer = %d, want 1024", cfg.Events.Buffer)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %s %s", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadFullConfig(t *testing.T) {
	content := `
hostname: mail.acme.test
storage:
  path: /tmp/postwave-test.db
  retention:
    terminal_max_age: 168h
    cleanup_interval: 30m
dispatcher:
  workers: 8
  send_timeout: 20s
  max_attempts: 3
scheduler:
  poll_interval: 2s
  batch_size: 100
rate_limit:
  default:
    per_hour: 100
    per_day: 1000
  accounts:
    acme:
      per_hour: 500
      per_day: 5000
send_windows:
  business:
    days: [mon, tue, wed, thu, fri]
    start: "09:00"
    end: "17:00"
    location: America/New_York
credentials_file: /etc/postwave/credentials.yaml
api:
  listen_addr: ":8888"
  api_key: secret
metrics:
  enabled: true
  allowed_ips: ["10.0.0.0/8"]
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Hostname != "mail.acme.test" {
		t.Errorf("hostname = %s", cfg.Hostname)
	}
	if cfg.Storage.Retention.TerminalMaxAge != 168*time.Hour {
		t.Errorf("terminal max age = %v", cfg.Storage.Retention.TerminalMaxAge)
	}
	if cfg.Dispatcher.Workers != 8 || cfg.Dispatcher.MaxAttempts != 3 {
		t.Errorf("dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Scheduler.BatchSize != 100 {
		t.Errorf("batch size = %d", cfg.Scheduler.BatchSize)
	}
	w, ok := cfg.SendWindows["business"]
	if !ok {
		t.Fatal("business window missing")
	}
	if len(w.Days) != 5 || w.Start != "09:00" || w.Location != "America/New_York" {
		t.Errorf("window = %+v", w)
	}
	if cfg.API.APIKey != "secret" {
		t.Errorf("api key = %s", cfg.API.APIKey)
	}
}

func TestAccountLimits(t *testing.T) {
	cfg := &Config{
		RateLimit: RateLimitConfig{
			Default:  &LimitValues{PerHour: 10, PerDay: 100},
			Accounts: map[string]*LimitValues{"acme": {PerHour: 50, PerDay: 500}},
		},
	}

	if lv := cfg.AccountLimits("acme"); lv.PerHour != 50 {
		t.Errorf("acme per_hour = %d, want 50", lv.PerHour)
	}
	if lv := cfg.AccountLimits("other"); lv.PerHour != 10 {
		t.Errorf("fallback per_hour = %d, want 10", lv.PerHour)
	}
}

func TestValidationRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"bad log level",
			"logging: {level: verbose}",
			"logging.level",
		},
		{
			"bad log format",
			"logging: {format: xml}",
			"logging.format",
		},
		{
			"backoff cap below base",
			"dispatcher: {backoff_base: 1m, backoff_cap: 10s}",
			"backoff_cap",
		},
		{
			"hourly above daily",
			"rate_limit: {default: {per_hour: 100, per_day: 10}}",
			"per_hour exceeds per_day",
		},
		{
			"negative ceiling",
			"rate_limit: {accounts: {acme: {per_hour: -1}}}",
			"must not be negative",
		},
		{
			"window missing end",
			`send_windows: {business: {start: "09:00"}}`,
			"start and end are required",
		},
		{
			"window bad clock",
			`send_windows: {business: {start: "9am", end: "17:00"}}`,
			"invalid start",
		},
		{
			"window bad day",
			`send_windows: {business: {days: [monday], start: "09:00", end: "17:00"}}`,
			"invalid day",
		},
		{
			"window bad location",
			`send_windows: {business: {start: "09:00", end: "17:00", location: Mars/Olympus}}`,
			"invalid location",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
