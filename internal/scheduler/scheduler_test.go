package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/postwave/postwave/internal/campaign"
	"github.com/postwave/postwave/internal/event"
	"github.com/postwave/postwave/internal/task"
	"github.com/postwave/postwave/internal/template"
)

type fixture struct {
	s         *Scheduler
	campaigns *campaign.Store
	queue     *task.BoltStorage
	templates *template.Storage
	events    *event.Sink
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "postwave.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))

	campaigns, err := campaign.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create campaign store: %v", err)
	}
	queue, err := task.NewBoltStorageWithDB(db)
	if err != nil {
		t.Fatalf("failed to create task storage: %v", err)
	}
	templates, err := template.NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create template storage: %v", err)
	}
	sink, err := event.NewSink(db, 64, logger)
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	sink.Start(context.Background())

	f := &fixture{
		campaigns: campaigns,
		queue:     queue,
		templates: templates,
		events:    sink,
		now:       time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}

	f.s = New(campaigns, queue, templates, template.NewEngine(), sink, nil, Config{
		PollInterval: time.Second,
		BatchSize:    100,
	}, logger)
	f.s.now = func() time.Time { return f.now }

	return f
}

func (f *fixture) createTemplate(t *testing.T, name string, required ...string) *template.Template {
	t.Helper()
	tmpl := &template.Template{
		Account: "acme",
		Name:    name,
		Subject: "Hello {{.first_name}}",
		Text:    "Hi {{.first_name}}, this is " + name,
	}
	for _, v := range required {
		tmpl.Variables = append(tmpl.Variables, template.VariableInfo{Name: v, Required: true})
	}
	if err := f.templates.Create(context.Background(), tmpl); err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	return tmpl
}

func (f *fixture) createCampaign(t *testing.T, kind campaign.Kind, startAt time.Time, steps []campaign.Step, recipients []*campaign.Recipient) *campaign.Campaign {
	t.Helper()
	ctx := context.Background()

	c := &campaign.Campaign{
		Account:     "acme",
		Name:        "launch",
		Kind:        kind,
		Provider:    "transactional",
		FromAddress: "news@acme.test",
		Steps:       steps,
		StartAt:     startAt,
	}
	if err := f.campaigns.Create(ctx, c); err != nil {
		t.Fatalf("failed to create campaign: %v", err)
	}
	if err := f.campaigns.AddRecipients(ctx, c.ID, recipients); err != nil {
		t.Fatalf("failed to add recipients: %v", err)
	}
	if err := f.campaigns.UpdateStatus(ctx, c.ID, campaign.StatusScheduled); err != nil {
		t.Fatalf("failed to schedule campaign: %v", err)
	}
	return c
}

func (f *fixture) pass(t *testing.T) {
	t.Helper()
	if err := f.s.Pass(context.Background()); err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
}

func (f *fixture) listEvents(t *testing.T) []*event.DeliveryEvent {
	t.Helper()
	f.events.Stop()
	events, err := f.events.List(context.Background(), event.ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	return events
}

func TestScheduledCampaignStartsAtStartAt(t *testing.T) {
	f := newFixture(t)
	tmpl := f.createTemplate(t, "welcome")
	c := f.createCampaign(t, campaign.KindBulk, f.now.Add(time.Hour),
		[]campaign.Step{{Index: 0, TemplateID: tmpl.ID}},
		[]*campaign.Recipient{{ID: "r1", Address: "a@b.test"}},
	)

	f.pass(t)
	got, _ := f.campaigns.Get(context.Background(), c.ID)
	if got.Status != campaign.StatusScheduled {
		t.Fatalf("campaign started before StartAt: %s", got.Status)
	}

	f.now = f.now.Add(2 * time.Hour)
	f.pass(t)
	got, _ = f.campaigns.Get(context.Background(), c.ID)
	if got.Status != campaign.StatusRunning {
		t.Fatalf("status = %s, want running after StartAt", got.Status)
	}
}

func TestBulkMaterialization(t *testing.T) {
	f := newFixture(t)
	tmpl := f.createTemplate(t, "welcome")
	start := f.now.Add(-time.Minute)
	c := f.createCampaign(t, campaign.KindBulk, start,
		[]campaign.Step{{Index: 0, TemplateID: tmpl.ID, Offset: 30 * time.Minute}},
		[]*campaign.Recipient{
			{ID: "r1", Address: "alice@example.com", Fields: map[string]string{"first_name": "Alice"}},
			{ID: "r2", Address: "bob@example.com", Fields: map[string]string{"first_name": "Bob"}},
			{ID: "r3", Address: "carol@example.com", Suppressed: true},
		},
	)

	f.pass(t)
	f.pass(t) // idempotency

	ctx := context.Background()
	t1, err := f.queue.ByKey(ctx, c.ID, 0, "r1")
	if err != nil || t1 == nil {
		t.Fatalf("task for r1 missing: %v", err)
	}
	if !t1.DueAt.Equal(start.Add(30 * time.Minute)) {
		t.Errorf("due at %v, want start+30m", t1.DueAt)
	}
	if t1.Subject != "Hello Alice" {
		t.Errorf("subject = %q, rendering should personalize at materialization", t1.Subject)
	}
	if t1.Address != "alice@example.com" || t1.FromAddr != "news@acme.test" {
		t.Errorf("task addressing wrong: %+v", t1)
	}

	if t3, _ := f.queue.ByKey(ctx, c.ID, 0, "r3"); t3 != nil {
		t.Error("suppressed recipient must not get a task")
	}

	stats, _ := f.queue.CampaignStats(ctx, c.ID)
	if stats.Total != 2 {
		t.Errorf("total tasks = %d, want 2 (no duplicates across passes)", stats.Total)
	}
}

func TestRenderFailureProducesFailureMarker(t *testing.T) {
	f := newFixture(t)
	tmpl := f.createTemplate(t, "welcome", "first_name")
	c := f.createCampaign(t, campaign.KindBulk, f.now.Add(-time.Minute),
		[]campaign.Step{{Index: 0, TemplateID: tmpl.ID}},
		[]*campaign.Recipient{
			{ID: "r1", Address: "a@b.test"}, // missing required first_name
		},
	)

	f.pass(t)
	f.pass(t)

	ctx := context.Background()
	got, _ := f.queue.ByKey(ctx, c.ID, 0, "r1")
	if got == nil || got.Status != task.StatusFailed {
		t.Fatalf("expected terminal failure marker, got %+v", got)
	}

	// Never claimable
	if claimed, _ := f.queue.Claim(ctx, f.now.Add(24*time.Hour)); claimed != nil {
		t.Errorf("render failure marker was claimed: %+v", claimed)
	}

	events := f.listEvents(t)
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1 across repeated passes", len(events))
	}
	if events[0].Outcome != event.OutcomePermanentFailure {
		t.Errorf("outcome = %s", events[0].Outcome)
	}
	if !strings.Contains(events[0].Reason, "first_name") {
		t.Errorf("reason = %q", events[0].Reason)
	}
}

func TestDripAdvancesAfterTerminalStep(t *testing.T) {
	f := newFixture(t)
	t0 := f.createTemplate(t, "step0")
	t1 := f.createTemplate(t, "step1")
	start := f.now.Add(-time.Minute)
	c := f.createCampaign(t, campaign.KindDrip, start,
		[]campaign.Step{
			{Index: 0, TemplateID: t0.ID},
			{Index: 1, TemplateID: t1.ID, Offset: 48 * time.Hour},
		},
		[]*campaign.Recipient{{ID: "r1", Address: "a@b.test"}},
	)

	ctx := context.Background()
	f.pass(t)

	if tk, _ := f.queue.ByKey(ctx, c.ID, 1, "r1"); tk != nil {
		t.Fatal("step 1 materialized before step 0 finished")
	}

	// Finish step 0
	claimed, err := f.queue.Claim(ctx, f.now)
	if err != nil || claimed == nil {
		t.Fatalf("failed to claim step 0 task: %v", err)
	}
	claimed.Status = task.StatusSent
	if err := f.queue.Complete(ctx, claimed); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	sent, _ := f.queue.ByKey(ctx, c.ID, 0, "r1")

	f.pass(t)

	step1, _ := f.queue.ByKey(ctx, c.ID, 1, "r1")
	if step1 == nil {
		t.Fatal("step 1 not materialized after step 0 terminal")
	}
	want := sent.SentAt.Add(48 * time.Hour)
	if !step1.DueAt.Equal(want) {
		t.Errorf("step 1 due %v, want terminal time + 48h (%v)", step1.DueAt, want)
	}
}

func TestPausedCampaignStopsMaterialization(t *testing.T) {
	f := newFixture(t)
	tmpl := f.createTemplate(t, "welcome")
	c := f.createCampaign(t, campaign.KindBulk, f.now.Add(-time.Minute),
		[]campaign.Step{{Index: 0, TemplateID: tmpl.ID}},
		[]*campaign.Recipient{{ID: "r1", Address: "a@b.test"}},
	)

	ctx := context.Background()
	// Start it, then pause before the first materialization pass
	f.pass(t)
	if err := f.campaigns.UpdateStatus(ctx, c.ID, campaign.StatusPaused); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	// Drop the already-created task to observe that nothing new appears
	stats, _ := f.queue.CampaignStats(ctx, c.ID)
	created := stats.Total

	f.pass(t)
	stats, _ = f.queue.CampaignStats(ctx, c.ID)
	if stats.Total != created {
		t.Errorf("paused campaign materialized new tasks: %d -> %d", created, stats.Total)
	}

	// Resume picks materialization back up
	if err := f.campaigns.UpdateStatus(ctx, c.ID, campaign.StatusRunning); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	f.pass(t)
}

func TestCompletionWithFailures(t *testing.T) {
	f := newFixture(t)
	tmpl := f.createTemplate(t, "welcome")
	c := f.createCampaign(t, campaign.KindBulk, f.now.Add(-time.Minute),
		[]campaign.Step{{Index: 0, TemplateID: tmpl.ID}},
		[]*campaign.Recipient{
			{ID: "r1", Address: "a@b.test"},
			{ID: "r2", Address: "c@d.test"},
		},
	)

	ctx := context.Background()
	f.pass(t)

	got, _ := f.campaigns.Get(ctx, c.ID)
	if got.Status != campaign.StatusRunning {
		t.Fatalf("status = %s", got.Status)
	}

	// Drive both tasks terminal: one sent, one failed
	for i := 0; i < 2; i++ {
		claimed, err := f.queue.Claim(ctx, f.now)
		if err != nil || claimed == nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if i == 0 {
			claimed.Status = task.StatusSent
		} else {
			claimed.Status = task.StatusFailed
		}
		if err := f.queue.Complete(ctx, claimed); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	}

	f.pass(t)

	got, _ = f.campaigns.Get(ctx, c.ID)
	if got.Status != campaign.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if !got.WithFailures {
		t.Error("WithFailures should be set when any task failed")
	}
}

func TestAllSuppressedCampaignCompletes(t *testing.T) {
	f := newFixture(t)
	tmpl := f.createTemplate(t, "welcome")
	c := f.createCampaign(t, campaign.KindBulk, f.now.Add(-time.Minute),
		[]campaign.Step{{Index: 0, TemplateID: tmpl.ID}},
		[]*campaign.Recipient{
			{ID: "r1", Address: "a@b.test", Suppressed: true},
			{ID: "r2", Address: "c@d.test", Suppressed: true},
		},
	)

	f.pass(t)

	got, _ := f.campaigns.Get(context.Background(), c.ID)
	if got.Status != campaign.StatusCompleted {
		t.Fatalf("status = %s, want completed with every recipient suppressed", got.Status)
	}
	if got.WithFailures {
		t.Error("WithFailures should be clear when no task ever ran")
	}
}

func TestCancelFailsPendingLeavesInFlight(t *testing.T) {
	f := newFixture(t)
	tmpl := f.createTemplate(t, "welcome")
	c := f.createCampaign(t, campaign.KindBulk, f.now.Add(-time.Minute),
		[]campaign.Step{{Index: 0, TemplateID: tmpl.ID}},
		[]*campaign.Recipient{
			{ID: "r1", Address: "a@b.test"},
			{ID: "r2", Address: "c@d.test"},
		},
	)

	ctx := context.Background()
	f.pass(t)

	// One task in flight, one still pending
	inFlight, err := f.queue.Claim(ctx, f.now)
	if err != nil || inFlight == nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := f.s.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	got, _ := f.campaigns.Get(ctx, c.ID)
	if got.Status != campaign.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	flight, _ := f.queue.ByKey(ctx, c.ID, 0, inFlight.RecipientID)
	if flight.Status != task.StatusInFlight {
		t.Errorf("in-flight task status = %s, cancel must not touch it", flight.Status)
	}

	var pendingRcpt string
	if inFlight.RecipientID == "r1" {
		pendingRcpt = "r2"
	} else {
		pendingRcpt = "r1"
	}
	pending, _ := f.queue.ByKey(ctx, c.ID, 0, pendingRcpt)
	if pending.Status != task.StatusFailed || !pending.Cancelled {
		t.Errorf("pending task after cancel: %+v", pending)
	}

	events := f.listEvents(t)
	if len(events) != 1 || events[0].Outcome != event.OutcomeCancelled {
		t.Fatalf("events = %+v, want one cancelled event", events)
	}
}

func TestWindowAdjustsDueTime(t *testing.T) {
	f := newFixture(t)
	w := businessHours(t)
	f.s.windows = map[string]*SendWindow{"business": w}

	tmpl := f.createTemplate(t, "welcome")
	// Saturday start: due time must land on Monday 09:00
	start := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	f.now = start.Add(time.Minute)
	c := f.createCampaign(t, campaign.KindBulk, start,
		[]campaign.Step{{Index: 0, TemplateID: tmpl.ID, Window: "business"}},
		[]*campaign.Recipient{{ID: "r1", Address: "a@b.test"}},
	)

	f.pass(t)

	got, _ := f.queue.ByKey(context.Background(), c.ID, 0, "r1")
	want := time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC)
	if got == nil || !got.DueAt.Equal(want) {
		t.Fatalf("due = %v, want %v", got.DueAt, want)
	}
}
