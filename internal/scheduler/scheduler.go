package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postwave/postwave/internal/campaign"
	"github.com/postwave/postwave/internal/event"
	"github.com/postwave/postwave/internal/task"
	"github.com/postwave/postwave/internal/template"
)

// TemplateSource resolves step templates
type TemplateSource interface {
	Get(ctx context.Context, id string) (*template.Template, error)
}

// Config contains scheduler configuration
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Scheduler turns campaign definitions into send tasks. It starts
// scheduled campaigns, materializes steps lazily, detects completion
// and executes cancellation.
type Scheduler struct {
	campaigns campaign.Repository
	queue     task.Queue
	templates TemplateSource
	engine    *template.Engine
	events    *event.Sink
	windows   map[string]*SendWindow
	pollEvery time.Duration
	batchSize int
	logger    *slog.Logger

	// injectable clock
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler
func New(campaigns campaign.Repository, queue task.Queue, templates TemplateSource, engine *template.Engine, events *event.Sink, windows map[string]*SendWindow, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}

	return &Scheduler{
		campaigns: campaigns,
		queue:     queue,
		templates: templates,
		engine:    engine,
		events:    events,
		windows:   windows,
		pollEvery: cfg.PollInterval,
		batchSize: cfg.BatchSize,
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the scheduling loop
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("starting scheduler", "poll_interval", s.pollEvery)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop stops the scheduling loop
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Pass(ctx); err != nil {
				s.logger.Error("scheduler pass failed", "error", err)
			}
		}
	}
}

// Pass runs one scheduling pass over all active campaigns
func (s *Scheduler) Pass(ctx context.Context) error {
	campaigns, err := s.campaigns.ActiveCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active campaigns: %w", err)
	}

	now := s.now()
	budget := s.batchSize

	for _, c := range campaigns {
		if c.Status == campaign.StatusScheduled {
			if c.StartAt.After(now) {
				continue
			}
			if err := s.campaigns.UpdateStatus(ctx, c.ID, campaign.StatusRunning); err != nil {
				s.logger.Error("failed to start campaign", "campaign_id", c.ID, "error", err)
				continue
			}
			c.Status = campaign.StatusRunning
			s.logger.Info("campaign started", "campaign_id", c.ID, "name", c.Name)
		}

		// Paused campaigns keep dispatching what is already due, but no
		// new tasks materialize
		if c.Status == campaign.StatusPaused {
			continue
		}

		n, err := s.materialize(ctx, c, budget)
		if err != nil {
			s.logger.Error("materialization failed", "campaign_id", c.ID, "error", err)
			continue
		}
		budget -= n

		if err := s.checkCompletion(ctx, c); err != nil {
			s.logger.Error("completion check failed", "campaign_id", c.ID, "error", err)
		}

		if budget <= 0 {
			break
		}
	}

	return nil
}

// materialize creates due tasks for one running campaign, returning the
// number of tasks created
func (s *Scheduler) materialize(ctx context.Context, c *campaign.Campaign, budget int) (int, error) {
	recipients, err := s.campaigns.Recipients(ctx, c.ID)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, r := range recipients {
		if created >= budget {
			break
		}

		var n int
		if c.Kind == campaign.KindBulk {
			n, err = s.ensureTask(ctx, c, &c.Steps[0], r, c.StartAt)
		} else {
			n, err = s.advanceDrip(ctx, c, r)
		}
		if err != nil {
			s.logger.Error("failed to materialize task",
				"campaign_id", c.ID,
				"recipient_id", r.ID,
				"error", err,
			)
			continue
		}
		created += n
	}

	return created, nil
}

// advanceDrip materializes the next step for one recipient once the
// prior step reached a terminal state. The anchor for step N+1 is the
// terminal time of the recipient's step N task.
func (s *Scheduler) advanceDrip(ctx context.Context, c *campaign.Campaign, r *campaign.Recipient) (int, error) {
	anchor := c.StartAt

	for i := range c.Steps {
		t, err := s.queue.ByKey(ctx, c.ID, c.Steps[i].Index, r.ID)
		if err != nil {
			return 0, err
		}
		if t == nil {
			return s.ensureTask(ctx, c, &c.Steps[i], r, anchor)
		}
		if !t.Status.Terminal() {
			return 0, nil
		}
		if !t.SentAt.IsZero() {
			anchor = t.SentAt
		} else {
			anchor = t.UpdatedAt
		}
	}

	return 0, nil // All steps materialized
}

// ensureTask renders and enqueues the task for (campaign, step,
// recipient). Returns 1 when a new task (or failure marker) was created.
func (s *Scheduler) ensureTask(ctx context.Context, c *campaign.Campaign, step *campaign.Step, r *campaign.Recipient, anchor time.Time) (int, error) {
	existing, err := s.queue.ByKey(ctx, c.ID, step.Index, r.ID)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return 0, nil
	}

	due := anchor.Add(step.Offset)
	if w := s.windows[step.Window]; w != nil {
		due = w.NextOpen(due)
	}

	t := &task.Task{
		CampaignID:  c.ID,
		StepIndex:   step.Index,
		RecipientID: r.ID,
		Account:     c.Account,
		Provider:    c.Provider,
		Address:     r.Address,
		FromAddr:    c.FromAddress,
		FromName:    c.FromName,
		ReplyTo:     c.ReplyTo,
		DueAt:       due,
	}

	tmpl, err := s.templates.Get(ctx, step.TemplateID)
	if err != nil {
		return 0, err
	}
	if tmpl == nil {
		return s.failMaterialization(ctx, t, fmt.Sprintf("template %s not found", step.TemplateID))
	}

	rendered, err := s.engine.Render(tmpl, r.Fields)
	if err != nil {
		if template.IsRenderError(err) {
			return s.failMaterialization(ctx, t, err.Error())
		}
		return 0, err
	}

	t.Subject = rendered.Subject
	t.HTML = rendered.HTML
	t.Text = rendered.Text

	created, err := s.queue.Enqueue(ctx, t)
	if err != nil {
		return 0, err
	}
	if !created {
		return 0, nil
	}

	s.logger.Debug("task materialized",
		"campaign_id", c.ID,
		"step", step.Index,
		"recipient_id", r.ID,
		"due_at", due,
	)
	return 1, nil
}

// failMaterialization records a terminal failure marker and its event.
// Rendering is deterministic so the task would never succeed.
func (s *Scheduler) failMaterialization(ctx context.Context, t *task.Task, reason string) (int, error) {
	created, err := s.queue.EnqueueFailed(ctx, t, reason)
	if err != nil {
		return 0, err
	}
	if !created {
		return 0, nil
	}

	s.events.Record(&event.DeliveryEvent{
		TaskID:      t.ID,
		CampaignID:  t.CampaignID,
		RecipientID: t.RecipientID,
		Outcome:     event.OutcomePermanentFailure,
		Reason:      reason,
	})
	s.logger.Warn("materialization failed permanently",
		"campaign_id", t.CampaignID,
		"recipient_id", t.RecipientID,
		"reason", reason,
	)
	return 1, nil
}

// checkCompletion completes a campaign once every recipient's last step
// is terminal
func (s *Scheduler) checkCompletion(ctx context.Context, c *campaign.Campaign) error {
	// Recipients excludes suppressed entries; with nobody left to send
	// to the campaign is already complete.
	recipients, err := s.campaigns.Recipients(ctx, c.ID)
	if err != nil {
		return err
	}

	last := c.LastStep()
	for _, r := range recipients {
		t, err := s.queue.ByKey(ctx, c.ID, last, r.ID)
		if err != nil {
			return err
		}
		if t == nil || !t.Status.Terminal() {
			return nil
		}
	}

	stats, err := s.queue.CampaignStats(ctx, c.ID)
	if err != nil {
		return err
	}

	if err := s.campaigns.MarkCompleted(ctx, c.ID, stats.Failed > 0); err != nil {
		return err
	}
	s.logger.Info("campaign completed",
		"campaign_id", c.ID,
		"name", c.Name,
		"with_failures", stats.Failed > 0,
	)
	return nil
}

// Cancel cancels a campaign: pending and deferred tasks fail with a
// cancelled event each, in-flight sends drain to their natural outcome
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if err := s.campaigns.UpdateStatus(ctx, id, campaign.StatusCancelled); err != nil {
		return err
	}

	cancelled, err := s.queue.CancelCampaign(ctx, id)
	if err != nil {
		return err
	}
	for _, t := range cancelled {
		s.events.Record(&event.DeliveryEvent{
			TaskID:      t.ID,
			CampaignID:  t.CampaignID,
			RecipientID: t.RecipientID,
			Outcome:     event.OutcomeCancelled,
			Reason:      "campaign cancelled",
		})
	}

	s.logger.Info("campaign cancelled", "campaign_id", id, "tasks_cancelled", len(cancelled))
	return nil
}
