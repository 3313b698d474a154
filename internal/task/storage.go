package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks   = []byte("tasks")
	bucketReady   = []byte("ready")
	bucketKeys    = []byte("task_keys")
	bucketArchive = []byte("archive")
)

// Queue is the task queue contract between scheduler and dispatcher.
// The scheduler only creates Pending tasks; once enqueued a task is owned
// by the dispatcher.
type Queue interface {
	// Enqueue adds a Pending task. Idempotent on the (campaign, step,
	// recipient) triple: a duplicate enqueue is a no-op.
	Enqueue(ctx context.Context, t *Task) (created bool, err error)

	// EnqueueFailed records a task born Failed, never dispatchable. Used
	// when materialization itself fails (e.g. rendering) so completion
	// detection still sees a terminal task for the triple.
	EnqueueFailed(ctx context.Context, t *Task, reason string) (created bool, err error)

	// Claim atomically picks one ready task with DueAt <= now, flipping it
	// to InFlight. Returns nil, nil when nothing is due.
	Claim(ctx context.Context, now time.Time) (*Task, error)

	// Complete finishes a task with a terminal status (Sent or Failed)
	Complete(ctx context.Context, t *Task) error

	// Defer returns a claimed or pending task to the ready index at a new
	// due time
	Defer(ctx context.Context, t *Task, until time.Time) error

	// Release returns an InFlight task to Pending, due immediately
	Release(ctx context.Context, t *Task) error

	// ByKey looks up a task by its (campaign, step, recipient) triple.
	// Returns nil, nil when absent.
	ByKey(ctx context.Context, campaignID string, step int, recipientID string) (*Task, error)

	// CancelCampaign fails all non-terminal, non-InFlight tasks of a
	// campaign and returns them. InFlight tasks drain untouched.
	CancelCampaign(ctx context.Context, campaignID string) ([]*Task, error)

	// CampaignStats returns per-status counts for one campaign
	CampaignStats(ctx context.Context, campaignID string) (*Stats, error)

	// Stats returns queue-wide statistics
	Stats(ctx context.Context) (*Stats, error)

	// List returns tasks matching the filter
	List(ctx context.Context, filter ListFilter) ([]*Task, error)

	// Close closes the storage
	Close() error
}

// BoltStorage implements Queue using BoltDB. A single writable bolt
// transaction serializes claims, so two workers can never flip the same
// task to InFlight.
type BoltStorage struct {
	db      *bolt.DB
	ownedDB bool
}

// NewBoltStorage opens (or creates) a task database at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := NewBoltStorageWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownedDB = true
	return s, nil
}

// NewBoltStorageWithDB wraps an existing bolt database
func NewBoltStorageWithDB(db *bolt.DB) (*BoltStorage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketReady, bucketKeys, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStorage{db: db}, nil
}

// Enqueue adds a Pending task, idempotent on the triple key
func (s *BoltStorage) Enqueue(ctx context.Context, t *Task) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		key := []byte(t.Key())
		if keys.Get(key) != nil {
			return nil // Already materialized
		}

		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.Status = StatusPending
		now := time.Now()
		t.CreatedAt = now
		t.UpdatedAt = now

		if err := putTask(tx, t); err != nil {
			return err
		}
		if err := keys.Put(key, []byte(t.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReady).Put(makeIndexKey(t.DueAt, t.ID), []byte(t.ID)); err != nil {
			return fmt.Errorf("failed to add to ready index: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

// EnqueueFailed records a terminal Failed task for the triple without
// indexing it for dispatch
func (s *BoltStorage) EnqueueFailed(ctx context.Context, t *Task, reason string) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		key := []byte(t.Key())
		if keys.Get(key) != nil {
			return nil
		}

		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.Status = StatusFailed
		t.LastError = reason
		now := time.Now()
		t.CreatedAt = now
		t.UpdatedAt = now

		if err := putTask(tx, t); err != nil {
			return err
		}
		if err := keys.Put(key, []byte(t.ID)); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// Claim atomically picks one due task, transitioning it to InFlight
func (s *BoltStorage) Claim(ctx context.Context, now time.Time) (*Task, error) {
	var claimed *Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		ready := tx.Bucket(bucketReady)
		tasks := tx.Bucket(bucketTasks)

		c := ready.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // Index is time-ordered, the rest are in the future
			}

			data := tasks.Get(v)
			if data == nil {
				// Task was archived or cancelled, clean up the stale index
				c.Delete()
				continue
			}

			var t Task
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			if t.Status != StatusPending && t.Status != StatusDeferred {
				c.Delete()
				continue
			}

			t.Status = StatusInFlight
			t.UpdatedAt = now
			if err := putTask(tx, &t); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			claimed = &t
			return nil
		}
		return nil
	})

	return claimed, err
}

// Complete finishes a task with a terminal status
func (s *BoltStorage) Complete(ctx context.Context, t *Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("complete called with non-terminal status %s", t.Status)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		t.UpdatedAt = time.Now()
		if t.Status == StatusSent && t.SentAt.IsZero() {
			t.SentAt = t.UpdatedAt
		}
		return putTask(tx, t)
	})
}

// Defer returns a task to the ready index at a new due time
func (s *BoltStorage) Defer(ctx context.Context, t *Task, until time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		t.Status = StatusDeferred
		t.DueAt = until
		t.UpdatedAt = time.Now()
		if err := putTask(tx, t); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReady).Put(makeIndexKey(until, t.ID), []byte(t.ID)); err != nil {
			return fmt.Errorf("failed to add to ready index: %w", err)
		}
		return nil
	})
}

// Release returns an InFlight task to Pending, due immediately
func (s *BoltStorage) Release(ctx context.Context, t *Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()
		t.Status = StatusPending
		t.DueAt = now
		t.UpdatedAt = now
		if err := putTask(tx, t); err != nil {
			return err
		}
		return tx.Bucket(bucketReady).Put(makeIndexKey(now, t.ID), []byte(t.ID))
	})
}

// ByKey looks up a task by its triple
func (s *BoltStorage) ByKey(ctx context.Context, campaignID string, step int, recipientID string) (*Task, error) {
	key := Task{CampaignID: campaignID, StepIndex: step, RecipientID: recipientID}
	var t *Task
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeys).Get([]byte(key.Key()))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketTasks).Get(id)
		if data == nil {
			// Archived terminal task: resolve through the archive so drip
			// advancement still sees it
			data = tx.Bucket(bucketArchive).Get(id)
		}
		if data == nil {
			return nil
		}
		t = &Task{}
		return json.Unmarshal(data, t)
	})
	return t, err
}

// CancelCampaign fails all non-terminal, non-InFlight tasks of a campaign
func (s *BoltStorage) CancelCampaign(ctx context.Context, campaignID string) ([]*Task, error) {
	var cancelled []*Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		now := time.Now()

		return tasks.ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if t.CampaignID != campaignID {
				return nil
			}
			if t.Status != StatusPending && t.Status != StatusDeferred {
				return nil // Terminal stays terminal, InFlight drains
			}

			indexKey := makeIndexKey(t.DueAt, t.ID)
			t.Status = StatusFailed
			t.Cancelled = true
			t.LastError = "campaign cancelled"
			t.UpdatedAt = now

			data, err := json.Marshal(&t)
			if err != nil {
				return err
			}
			if err := tasks.Put([]byte(t.ID), data); err != nil {
				return err
			}
			if err := tx.Bucket(bucketReady).Delete(indexKey); err != nil {
				return err
			}
			cancelled = append(cancelled, &t)
			return nil
		})
	})
	return cancelled, err
}

// CampaignStats returns per-status counts for one campaign
func (s *BoltStorage) CampaignStats(ctx context.Context, campaignID string) (*Stats, error) {
	return s.collectStats(func(t *Task) bool { return t.CampaignID == campaignID })
}

// Stats returns queue-wide statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	return s.collectStats(func(*Task) bool { return true })
}

// OldestDue returns the due time of the earliest dispatchable task,
// zero when the ready index is empty
func (s *BoltStorage) OldestDue(ctx context.Context) (time.Time, error) {
	var oldest time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketReady).Cursor().First()
		if k != nil {
			oldest = parseTimestampFromKey(k)
		}
		return nil
	})
	return oldest, err
}

func (s *BoltStorage) collectStats(match func(*Task) bool) (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		count := func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if !match(&t) {
				return nil
			}
			stats.Total++
			switch t.Status {
			case StatusPending:
				stats.Pending++
			case StatusInFlight:
				stats.InFlight++
			case StatusSent:
				stats.Sent++
			case StatusDeferred:
				stats.Deferred++
			case StatusFailed:
				stats.Failed++
			}
			return nil
		}
		if err := tx.Bucket(bucketTasks).ForEach(count); err != nil {
			return err
		}
		// Archived tasks are terminal and still count toward campaign totals
		return tx.Bucket(bucketArchive).ForEach(count)
	})
	return stats, err
}

// List returns tasks matching the filter
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	var result []*Task
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			if filter.CampaignID != "" && t.CampaignID != filter.CampaignID {
				continue
			}
			if filter.Status != "" && t.Status != filter.Status {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			result = append(result, &t)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})
	return result, err
}

// ArchiveTerminal moves terminal tasks older than maxAge into the archive
// bucket. The triple-key index is kept so re-expansion stays idempotent.
func (s *BoltStorage) ArchiveTerminal(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	moved := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		archive := tx.Bucket(bucketArchive)

		var toMove [][2][]byte
		err := tasks.ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
				toMove = append(toMove, [2][]byte{
					append([]byte{}, k...),
					append([]byte{}, v...),
				})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, kv := range toMove {
			if err := archive.Put(kv[0], kv[1]); err != nil {
				return err
			}
			if err := tasks.Delete(kv[0]); err != nil {
				return err
			}
			moved++
		}
		return nil
	})

	return moved, err
}

// PruneArchive enforces a max archive size, deleting oldest entries first
func (s *BoltStorage) PruneArchive(ctx context.Context, maxCount int) (int, error) {
	if maxCount <= 0 {
		return 0, nil
	}

	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		archive := tx.Bucket(bucketArchive)
		keys := tx.Bucket(bucketKeys)

		type entry struct {
			id      []byte
			updated time.Time
			triple  string
		}
		var entries []entry
		err := archive.ForEach(func(k, v []byte) error {
			var t Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			entries = append(entries, entry{
				id:      append([]byte{}, k...),
				updated: t.UpdatedAt,
				triple:  t.Key(),
			})
			return nil
		})
		if err != nil {
			return err
		}
		if len(entries) <= maxCount {
			return nil
		}

		// Oldest first
		for i := 0; i < len(entries); i++ {
			for j := i + 1; j < len(entries); j++ {
				if entries[j].updated.Before(entries[i].updated) {
					entries[i], entries[j] = entries[j], entries[i]
				}
			}
		}

		for _, e := range entries[:len(entries)-maxCount] {
			if err := archive.Delete(e.id); err != nil {
				return err
			}
			if err := keys.Delete([]byte(e.triple)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Close closes the database if this storage owns it
func (s *BoltStorage) Close() error {
	if s.ownedDB {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func putTask(tx *bolt.Tx, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(t.ID), data); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// indexTimeFormat is fixed-width so index keys sort lexicographically by
// due time (RFC3339Nano drops trailing zeros and would not)
const indexTimeFormat = "2006-01-02T15:04:05.000000000"

// makeIndexKey creates a sortable key from due time and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}

// parseTimestampFromKey extracts the due time from an index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.ParseInLocation(indexTimeFormat, s[:i], time.UTC)
			return ts
		}
	}
	return time.Time{}
}
