package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Hostname    string                  `yaml:"hostname"` // EHLO name for SMTP sends
	Storage     StorageConfig           `yaml:"storage"`
	Logging     LoggingConfig           `yaml:"logging"`
	Dispatcher  DispatcherConfig        `yaml:"dispatcher"`
	Scheduler   SchedulerConfig         `yaml:"scheduler"`
	RateLimit   RateLimitConfig         `yaml:"rate_limit"`
	SendWindows map[string]WindowConfig `yaml:"send_windows"`
	Credentials string                  `yaml:"credentials_file"`
	API         APIConfig               `yaml:"api"`
	Metrics     MetricsConfig           `yaml:"metrics"`
	Events      EventsConfig            `yaml:"events"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string           `yaml:"path"`
	Retention *RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains terminal-task retention settings
type RetentionConfig struct {
	TerminalMaxAge  time.Duration `yaml:"terminal_max_age"`  // Archive terminal tasks older than this (0 = keep forever)
	ArchiveMaxCount int           `yaml:"archive_max_count"` // Max archived tasks (0 = unlimited)
	CleanupInterval time.Duration `yaml:"cleanup_interval"`  // How often to run the archiver
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DispatcherConfig contains dispatch worker settings
type DispatcherConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
}

// SchedulerConfig contains campaign scheduler settings
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"` // Max tasks materialized per campaign per pass
}

// RateLimitConfig contains per-account send budget settings
type RateLimitConfig struct {
	FlushInterval time.Duration           `yaml:"flush_interval"`
	Default       *LimitValues            `yaml:"default,omitempty"`
	Accounts      map[string]*LimitValues `yaml:"accounts,omitempty"`
}

// LimitValues contains rolling-window ceilings
type LimitValues struct {
	PerHour int `yaml:"per_hour"`
	PerDay  int `yaml:"per_day"`
}

// WindowConfig defines a named send window (e.g. business hours)
type WindowConfig struct {
	Days     []string `yaml:"days"`     // mon..sun, empty = every day
	Start    string   `yaml:"start"`    // "09:00"
	End      string   `yaml:"end"`      // "17:00"
	Location string   `yaml:"location"` // IANA zone, default UTC
}

// APIConfig contains management HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// EventsConfig contains delivery-event sink settings
type EventsConfig struct {
	Buffer int `yaml:"buffer"` // Bounded handoff queue size
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		} else {
			c.Hostname = "localhost"
		}
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/postwave/postwave.db"
	}
	if c.Storage.Retention == nil {
		c.Storage.Retention = &RetentionConfig{}
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 4
	}
	if c.Dispatcher.PollInterval == 0 {
		c.Dispatcher.PollInterval = time.Second
	}
	if c.Dispatcher.SendTimeout == 0 {
		c.Dispatcher.SendTimeout = 30 * time.Second
	}
	if c.Dispatcher.MaxAttempts == 0 {
		c.Dispatcher.MaxAttempts = 5
	}
	if c.Dispatcher.BackoffBase == 0 {
		c.Dispatcher.BackoffBase = 30 * time.Second
	}
	if c.Dispatcher.BackoffCap == 0 {
		c.Dispatcher.BackoffCap = time.Hour
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 5 * time.Second
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 500
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Events.Buffer == 0 {
		c.Events.Buffer = 1024
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Dispatcher.Workers < 0 {
		return fmt.Errorf("dispatcher.workers must not be negative")
	}
	if c.Dispatcher.BackoffCap < c.Dispatcher.BackoffBase {
		return fmt.Errorf("dispatcher.backoff_cap must be >= dispatcher.backoff_base")
	}

	if err := c.validateLimits(); err != nil {
		return err
	}

	return c.validateWindows()
}

func (c *Config) validateLimits() error {
	check := func(name string, lv *LimitValues) error {
		if lv == nil {
			return nil
		}
		if lv.PerHour < 0 || lv.PerDay < 0 {
			return fmt.Errorf("rate_limit.%s: ceilings must not be negative", name)
		}
		if lv.PerHour > 0 && lv.PerDay > 0 && lv.PerHour > lv.PerDay {
			return fmt.Errorf("rate_limit.%s: per_hour exceeds per_day", name)
		}
		return nil
	}

	if err := check("default", c.RateLimit.Default); err != nil {
		return err
	}
	for account, lv := range c.RateLimit.Accounts {
		if err := check("accounts."+account, lv); err != nil {
			return err
		}
	}
	return nil
}

var validDays = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true,
	"fri": true, "sat": true, "sun": true,
}

func (c *Config) validateWindows() error {
	for name, w := range c.SendWindows {
		if name == "" {
			return fmt.Errorf("empty send window name")
		}
		if w.Start == "" || w.End == "" {
			return fmt.Errorf("send_windows.%s: start and end are required", name)
		}
		if _, err := time.Parse("15:04", w.Start); err != nil {
			return fmt.Errorf("send_windows.%s: invalid start %q", name, w.Start)
		}
		if _, err := time.Parse("15:04", w.End); err != nil {
			return fmt.Errorf("send_windows.%s: invalid end %q", name, w.End)
		}
		for _, d := range w.Days {
			if !validDays[d] {
				return fmt.Errorf("send_windows.%s: invalid day %q", name, d)
			}
		}
		if w.Location != "" {
			if _, err := time.LoadLocation(w.Location); err != nil {
				return fmt.Errorf("send_windows.%s: invalid location %q", name, w.Location)
			}
		}
	}
	return nil
}

// AccountLimits returns the effective ceilings for an account
func (c *Config) AccountLimits(account string) *LimitValues {
	if lv, ok := c.RateLimit.Accounts[account]; ok {
		return lv
	}
	return c.RateLimit.Default
}
