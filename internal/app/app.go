package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postwave/postwave/internal/api"
	"github.com/postwave/postwave/internal/campaign"
	"github.com/postwave/postwave/internal/config"
	"github.com/postwave/postwave/internal/credstore"
	"github.com/postwave/postwave/internal/dispatch"
	"github.com/postwave/postwave/internal/event"
	"github.com/postwave/postwave/internal/metrics"
	"github.com/postwave/postwave/internal/provider"
	"github.com/postwave/postwave/internal/ratelimit"
	"github.com/postwave/postwave/internal/retry"
	"github.com/postwave/postwave/internal/scheduler"
	"github.com/postwave/postwave/internal/task"
	"github.com/postwave/postwave/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	storage       *task.BoltStorage
	campaigns     *campaign.Store
	creds         credstore.Store
	rateLimiter   *ratelimit.Limiter
	events        *event.Sink
	dispatcher    *dispatch.Dispatcher
	scheduler     *scheduler.Scheduler
	archiver      *task.Archiver
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	m := metrics.New()
	metrics.SetGlobal(m)

	storage, err := task.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	campaigns, err := campaign.NewStore(storage.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign store: %w", err)
	}

	templates, err := template.NewStorage(storage.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}
	engine := template.NewEngine()

	events, err := event.NewSink(storage.DB(), cfg.Events.Buffer, logger.With("component", "events"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event sink: %w", err)
	}

	rateLimiter, err := ratelimit.NewLimiter(storage.DB(), ratelimit.Config{
		FlushInterval: cfg.RateLimit.FlushInterval,
		Resolve: func(account string) *ratelimit.Limits {
			lv := cfg.AccountLimits(account)
			if lv == nil {
				return nil
			}
			return &ratelimit.Limits{PerHour: lv.PerHour, PerDay: lv.PerDay}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	var creds credstore.Store
	if cfg.Credentials != "" {
		creds, err = credstore.NewFileStore(cfg.Credentials)
		if err != nil {
			return nil, fmt.Errorf("failed to load credentials: %w", err)
		}
		logger.Info("credentials loaded", "path", cfg.Credentials)
	} else {
		creds = credstore.NewStaticStore()
		logger.Warn("no credentials file configured, all sends will fail credential resolution")
	}

	pool := provider.NewPool(
		provider.NewResendAdapter(logger.With("component", "resend")),
		provider.NewSMTPAdapter(provider.KindSMTPRelay, cfg.Hostname, cfg.Dispatcher.SendTimeout, logger.With("component", "smtp_relay")),
		provider.NewSMTPAdapter(provider.KindCustomSMTP, cfg.Hostname, cfg.Dispatcher.SendTimeout, logger.With("component", "custom_smtp")),
		provider.NewGmailAdapter(logger.With("component", "gmail")),
	)

	policy := retry.New(cfg.Dispatcher.MaxAttempts, cfg.Dispatcher.BackoffBase, cfg.Dispatcher.BackoffCap)

	dispatcher := dispatch.New(storage, pool, creds, rateLimiter, events, policy, dispatch.Config{
		Workers:      cfg.Dispatcher.Workers,
		PollInterval: cfg.Dispatcher.PollInterval,
		SendTimeout:  cfg.Dispatcher.SendTimeout,
	}, logger.With("component", "dispatcher"))

	windows, err := scheduler.CompileWindows(cfg.SendWindows)
	if err != nil {
		return nil, fmt.Errorf("failed to compile send windows: %w", err)
	}

	sched := scheduler.New(campaigns, storage, templates, engine, events, windows, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
	}, logger.With("component", "scheduler"))

	archiver := task.NewArchiver(storage, task.ArchiverConfig{
		TerminalMaxAge:  cfg.Storage.Retention.TerminalMaxAge,
		ArchiveMaxCount: cfg.Storage.Retention.ArchiveMaxCount,
		Interval:        cfg.Storage.Retention.CleanupInterval,
	}, logger.With("component", "archiver"))

	apiServer := api.NewServer(campaigns, storage, templates, engine, events, sched, &cfg.API, logger.With("component", "api"))

	var metricsServer *metrics.Server
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
		collector = metrics.NewCollector(m,
			&queueStatsAdapter{storage: storage},
			&campaignCountAdapter{store: campaigns},
			cfg.Storage.Path, 5*time.Second)
	}

	return &App{
		config:        cfg,
		storage:       storage,
		campaigns:     campaigns,
		creds:         creds,
		rateLimiter:   rateLimiter,
		events:        events,
		dispatcher:    dispatcher,
		scheduler:     sched,
		archiver:      archiver,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		collector:     collector,
		logger:        logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting postwave",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"workers", a.config.Dispatcher.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.events.Start(ctx)
	a.dispatcher.Start(ctx)
	a.scheduler.Start(ctx)
	a.archiver.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// SIGHUP re-reads the credentials file and clears cached
	// credential failures so affected pairs are retried
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			if fs, ok := a.creds.(*credstore.FileStore); ok {
				if err := fs.Reload(); err != nil {
					a.logger.Error("credentials reload failed", "error", err)
					continue
				}
				a.dispatcher.ResetCredentialFailures()
				a.logger.Info("credentials reloaded")
			}
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}
	signal.Stop(hupCh)
	close(hupCh)

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop producing new tasks first, then stop sending
	a.scheduler.Stop()
	a.dispatcher.Stop()
	a.archiver.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Sink drains buffered events before the database closes
	a.events.Stop()

	if err := a.rateLimiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}

	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// queueStatsAdapter exposes task storage counters to the metrics collector
type queueStatsAdapter struct {
	storage *task.BoltStorage
}

func (a *queueStatsAdapter) QueueStats(ctx context.Context) (*metrics.QueueStats, error) {
	stats, err := a.storage.Stats(ctx)
	if err != nil {
		return nil, err
	}
	oldest, err := a.storage.OldestDue(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.QueueStats{
		Pending:  stats.Pending,
		InFlight: stats.InFlight,
		Deferred: stats.Deferred,
		OldestAt: oldest,
	}, nil
}

// campaignCountAdapter counts non-terminal campaigns for the metrics collector
type campaignCountAdapter struct {
	store *campaign.Store
}

func (a *campaignCountAdapter) ActiveCount(ctx context.Context) (int, error) {
	active, err := a.store.ActiveCampaigns(ctx)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
