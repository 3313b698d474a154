package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/postwave/postwave/internal/credstore"
	"github.com/postwave/postwave/internal/event"
	"github.com/postwave/postwave/internal/metrics"
	"github.com/postwave/postwave/internal/provider"
	"github.com/postwave/postwave/internal/ratelimit"
	"github.com/postwave/postwave/internal/retry"
	"github.com/postwave/postwave/internal/task"
)

// Config contains dispatcher configuration
type Config struct {
	Workers      int
	PollInterval time.Duration
	SendTimeout  time.Duration
}

// Dispatcher drives send tasks to their terminal state. Workers claim
// due tasks, pass rate budgets, send through the provider adapter and
// record exactly one delivery event per terminal outcome.
type Dispatcher struct {
	queue       task.Queue
	adapters    *provider.Pool
	creds       credstore.Store
	limiter     *ratelimit.Limiter
	events      *event.Sink
	policy      *retry.Policy
	workers     int
	pollEvery   time.Duration
	sendTimeout time.Duration
	logger      *slog.Logger

	// Pairs that failed credential resolution; cleared on store reload
	mu          sync.Mutex
	failedPairs map[string]string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a dispatcher
func New(q task.Queue, adapters *provider.Pool, creds credstore.Store, limiter *ratelimit.Limiter, events *event.Sink, policy *retry.Policy, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}

	return &Dispatcher{
		queue:       q,
		adapters:    adapters,
		creds:       creds,
		limiter:     limiter,
		events:      events,
		policy:      policy,
		workers:     cfg.Workers,
		pollEvery:   cfg.PollInterval,
		sendTimeout: cfg.SendTimeout,
		logger:      logger,
		failedPairs: make(map[string]string),
		stopCh:      make(chan struct{}),
	}
}

// Start starts the dispatch workers
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting dispatcher", "workers", d.workers)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop stops the workers after their current send finishes
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher")
	close(d.stopCh)
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// ResetCredentialFailures clears the failed-pair cache, typically after
// the credential store was reloaded
func (d *Dispatcher) ResetCredentialFailures() {
	d.mu.Lock()
	d.failedPairs = make(map[string]string)
	d.mu.Unlock()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	logger := d.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-d.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			d.drain(ctx, logger)
		}
	}
}

// drain processes due tasks until the queue runs dry or a stop arrives
func (d *Dispatcher) drain(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		t, err := d.queue.Claim(ctx, time.Now())
		if err != nil {
			logger.Error("failed to claim task", "error", err)
			return
		}
		if t == nil {
			return
		}

		d.dispatch(ctx, logger.With("task_id", t.ID, "campaign_id", t.CampaignID), t)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, logger *slog.Logger, t *task.Task) {
	pair := t.Account + ":" + t.Provider

	d.mu.Lock()
	reason, pairFailed := d.failedPairs[pair]
	d.mu.Unlock()
	if pairFailed {
		d.fail(ctx, logger, t, event.OutcomePermanentFailure, reason, "credentials")
		return
	}

	creds, err := d.creds.Resolve(t.Account, t.Provider)
	if err != nil {
		var ce *credstore.CredentialError
		if errors.As(err, &ce) {
			d.mu.Lock()
			d.failedPairs[pair] = ce.Error()
			d.mu.Unlock()
			logger.Error("credential resolution failed, failing pair",
				"account", t.Account,
				"provider", t.Provider,
				"error", err,
			)
			d.fail(ctx, logger, t, event.OutcomePermanentFailure, ce.Error(), "credentials")
			return
		}
		d.release(ctx, logger, t, err)
		return
	}

	res, err := d.limiter.TryConsume(ctx, t.Account, t.Provider, 1)
	if err != nil {
		d.release(ctx, logger, t, err)
		return
	}
	if !res.Allowed {
		// Budget deferrals are not attempts
		until := time.Now().Add(res.RetryAfter)
		t.Status = task.StatusDeferred
		if err := d.queue.Defer(ctx, t, until); err != nil {
			logger.Error("failed to defer rate-limited task", "error", err)
			return
		}
		metrics.IncTaskRateLimited(t.Account, t.Provider)
		logger.Debug("task deferred by rate budget", "retry_after", res.RetryAfter)
		return
	}

	adapter, err := d.adapters.Adapter(provider.Kind(t.Provider))
	if err != nil {
		d.fail(ctx, logger, t, event.OutcomePermanentFailure, err.Error(), "unknown_provider")
		return
	}

	msg := &provider.Message{
		From:     t.FromAddr,
		FromName: t.FromName,
		To:       t.Address,
		ReplyTo:  t.ReplyTo,
		Subject:  t.Subject,
		HTML:     t.HTML,
		Text:     t.Text,
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	result, err := adapter.Send(sendCtx, msg, creds)
	cancel()

	t.Attempts++

	if err == nil {
		t.Status = task.StatusSent
		t.LastError = ""
		if err := d.queue.Complete(ctx, t); err != nil {
			logger.Error("failed to mark task sent", "error", err)
			return
		}
		d.events.Record(&event.DeliveryEvent{
			TaskID:            t.ID,
			CampaignID:        t.CampaignID,
			RecipientID:       t.RecipientID,
			Outcome:           event.OutcomeAccepted,
			ProviderMessageID: result.MessageID,
		})
		metrics.IncTaskSent(t.Account, t.Provider)
		logger.Info("message accepted",
			"provider", t.Provider,
			"to", t.Address,
			"attempts", t.Attempts,
		)
		return
	}

	t.LastError = err.Error()
	logger.Warn("send failed", "error", err, "attempts", t.Attempts)

	if provider.IsPermanent(err) {
		d.fail(ctx, logger, t, event.OutcomeRejected, err.Error(), "rejected")
		return
	}

	decision := d.policy.Decide(t.Attempts, retry.OutcomeTransient)
	if !decision.Retry {
		d.fail(ctx, logger, t, event.OutcomeProviderError, t.LastError, "retries_exhausted")
		return
	}

	until := time.Now().Add(decision.After)
	t.Status = task.StatusDeferred
	if err := d.queue.Defer(ctx, t, until); err != nil {
		logger.Error("failed to defer task", "error", err)
		return
	}
	metrics.IncTaskDeferred(t.Account, t.Provider)
	logger.Info("task deferred for retry", "after", decision.After, "attempts", t.Attempts)
}

// fail moves a task to Failed and records its terminal event
func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, t *task.Task, outcome event.Outcome, reason, metricReason string) {
	t.Status = task.StatusFailed
	t.LastError = reason
	if err := d.queue.Complete(ctx, t); err != nil {
		logger.Error("failed to mark task failed", "error", err)
		return
	}
	d.events.Record(&event.DeliveryEvent{
		TaskID:      t.ID,
		CampaignID:  t.CampaignID,
		RecipientID: t.RecipientID,
		Outcome:     outcome,
		Reason:      reason,
	})
	metrics.IncTaskFailed(t.Account, t.Provider, metricReason)
	logger.Info("task failed", "outcome", outcome, "reason", reason)
}

// release returns a task to Pending after an internal error, counting
// the attempt so a broken task cannot loop forever
func (d *Dispatcher) release(ctx context.Context, logger *slog.Logger, t *task.Task, cause error) {
	t.Attempts++
	t.LastError = cause.Error()
	logger.Error("internal error during dispatch", "error", cause, "attempts", t.Attempts)

	if t.Attempts >= d.policy.MaxAttempts {
		d.fail(ctx, logger, t, event.OutcomeProviderError, cause.Error(), "internal_error")
		return
	}

	if err := d.queue.Release(ctx, t); err != nil {
		logger.Error("failed to release task", "error", err)
	}
}
