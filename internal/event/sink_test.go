package event

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func testSink(t *testing.T, buffer int) *Sink {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "events.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	s, err := NewSink(db, buffer, logger)
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	return s
}

func waitForEvents(t *testing.T, s *Sink, filter ListFilter, want int) []*DeliveryEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, err := s.List(context.Background(), filter)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(events) >= want {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", want)
	return nil
}

func TestRecordAndList(t *testing.T) {
	s := testSink(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.Record(&DeliveryEvent{
		TaskID:            "task-1",
		CampaignID:        "camp-1",
		RecipientID:       "rcpt-1",
		Outcome:           OutcomeAccepted,
		ProviderMessageID: "msg-1",
	})
	s.Record(&DeliveryEvent{
		TaskID:      "task-2",
		CampaignID:  "camp-2",
		RecipientID: "rcpt-2",
		Outcome:     OutcomePermanentFailure,
		Reason:      "550 user unknown",
	})

	events := waitForEvents(t, s, ListFilter{}, 2)
	if events[0].ID == "" || events[0].At.IsZero() {
		t.Error("Record should assign ID and timestamp")
	}

	filtered := waitForEvents(t, s, ListFilter{CampaignID: "camp-1"}, 1)
	if len(filtered) != 1 || filtered[0].TaskID != "task-1" {
		t.Errorf("campaign filter returned %+v", filtered)
	}

	byOutcome, err := s.List(context.Background(), ListFilter{Outcome: OutcomePermanentFailure})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(byOutcome) != 1 || byOutcome[0].Reason != "550 user unknown" {
		t.Errorf("outcome filter returned %+v", byOutcome)
	}
}

func TestStopDrainsBuffer(t *testing.T) {
	s := testSink(t, 16)
	s.Start(context.Background())

	// Recorded but possibly still buffered when Stop is called
	for i := 0; i < 5; i++ {
		s.Record(&DeliveryEvent{TaskID: "t", CampaignID: "c", Outcome: OutcomeAccepted})
	}
	s.Stop()

	events, err := s.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("got %d events after Stop, want 5", len(events))
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	// Writer never started: the buffer fills and extra events drop
	s := testSink(t, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Record(&DeliveryEvent{TaskID: "t", Outcome: OutcomeAccepted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
}

func TestListOrder(t *testing.T) {
	s := testSink(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.Record(&DeliveryEvent{TaskID: "late", Outcome: OutcomeAccepted, At: base.Add(time.Hour)})
	s.Record(&DeliveryEvent{TaskID: "early", Outcome: OutcomeAccepted, At: base})
	s.Stop()

	events, err := s.List(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].TaskID != "early" || events[1].TaskID != "late" {
		t.Errorf("events out of order: %s, %s", events[0].TaskID, events[1].TaskID)
	}
}
