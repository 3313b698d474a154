package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/postwave/postwave/internal/metrics"
)

var bucketEvents = []byte("events")

// Fixed-width so keys sort chronologically
const eventKeyTimeFormat = "2006-01-02T15:04:05.000000000"

// Sink accepts delivery events without blocking the caller. A single
// writer goroutine appends them to bbolt; when the buffer is full the
// event is dropped and counted, never queued on the hot path.
type Sink struct {
	db     *bolt.DB
	ch     chan *DeliveryEvent
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSink creates an event sink with the given buffer size
func NewSink(db *bolt.DB, buffer int, logger *slog.Logger) (*Sink, error) {
	if buffer <= 0 {
		buffer = 1024
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create events bucket: %w", err)
	}

	return &Sink{
		db:     db,
		ch:     make(chan *DeliveryEvent, buffer),
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the writer goroutine
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.writeLoop(ctx)
}

// Stop drains buffered events and stops the writer
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Record hands an event to the writer. It never blocks: on a full
// buffer the event is dropped with a warning.
func (s *Sink) Record(ev *DeliveryEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	select {
	case s.ch <- ev:
	default:
		metrics.IncEventDropped()
		s.logger.Warn("event buffer full, dropping delivery event",
			"task_id", ev.TaskID,
			"outcome", ev.Outcome,
		)
	}
}

func (s *Sink) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.ch:
			s.write(ev)
		case <-s.stopCh:
			s.drain()
			return
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// drain writes what is already buffered before the loop exits
func (s *Sink) drain() {
	for {
		select {
		case ev := <-s.ch:
			s.write(ev)
		default:
			return
		}
	}
}

func (s *Sink) write(ev *DeliveryEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("failed to marshal delivery event", "error", err)
		return
	}

	key := []byte(ev.At.UTC().Format(eventKeyTimeFormat) + "/" + ev.ID)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).Put(key, data)
	})
	if err != nil {
		s.logger.Error("failed to write delivery event", "error", err, "task_id", ev.TaskID)
		return
	}

	metrics.IncEventRecorded(string(ev.Outcome))
}

// List returns events in chronological order, newest last
func (s *Sink) List(ctx context.Context, filter ListFilter) ([]*DeliveryEvent, error) {
	var events []*DeliveryEvent

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev DeliveryEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if filter.CampaignID != "" && ev.CampaignID != filter.CampaignID {
				continue
			}
			if filter.Outcome != "" && ev.Outcome != filter.Outcome {
				continue
			}
			events = append(events, &ev)
			if filter.Limit > 0 && len(events) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return events, err
}
