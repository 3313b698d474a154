package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns  = []byte("campaigns")
	bucketRecipients = []byte("campaign_recipients")
)

// ErrNotFound is returned when a campaign or recipient does not exist
var ErrNotFound = errors.New("not found")

// Repository is the campaign read/update contract consumed by the engine
type Repository interface {
	// Get retrieves a campaign by ID
	Get(ctx context.Context, id string) (*Campaign, error)

	// ActiveCampaigns returns campaigns in Scheduled, Running or Paused status
	ActiveCampaigns(ctx context.Context) ([]*Campaign, error)

	// Recipients returns the campaign's recipient set, excluding suppressed addresses
	Recipients(ctx context.Context, campaignID string) ([]*Recipient, error)

	// Step returns the step at the given index
	Step(ctx context.Context, campaignID string, index int) (*Step, error)

	// UpdateStatus applies a status transition, enforcing the status machine
	UpdateStatus(ctx context.Context, id string, to Status) error

	// MarkCompleted transitions to Completed, recording whether any task failed
	MarkCompleted(ctx context.Context, id string, withFailures bool) error
}

// Store implements Repository using BoltDB
type Store struct {
	db *bolt.DB
}

// NewStore creates a campaign store, creating buckets as needed
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketRecipients} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Create validates and stores a new campaign in Draft status
func (s *Store) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if err := c.Validate(); err != nil {
		return err
	}

	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}
		return putCampaign(b, c)
	})
}

// Get retrieves a campaign by ID
func (s *Store) Get(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		c = &Campaign{}
		return json.Unmarshal(data, c)
	})
	return c, err
}

// List returns all campaigns
func (s *Store) List(ctx context.Context) ([]*Campaign, error) {
	var campaigns []*Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil // Skip invalid entries
			}
			campaigns = append(campaigns, &c)
			return nil
		})
	})
	return campaigns, err
}

// ActiveCampaigns returns campaigns the scheduler must examine
func (s *Store) ActiveCampaigns(ctx context.Context) ([]*Campaign, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var active []*Campaign
	for _, c := range all {
		switch c.Status {
		case StatusScheduled, StatusRunning, StatusPaused:
			active = append(active, c)
		}
	}
	return active, nil
}

// AddRecipients stores recipients for a campaign. Only allowed while the
// campaign is in Draft; the recipient set freezes at Scheduled.
func (s *Store) AddRecipients(ctx context.Context, campaignID string, recipients []*Recipient) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(campaignID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, campaignID)
		}
		var c Campaign
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.Status != StatusDraft {
			return &ValidationError{Reason: "recipient list is frozen once the campaign is scheduled"}
		}

		b, err := tx.Bucket(bucketRecipients).CreateBucketIfNotExists([]byte(campaignID))
		if err != nil {
			return err
		}
		for _, r := range recipients {
			if r.ID == "" {
				r.ID = uuid.New().String()
			}
			if r.Address == "" {
				return &ValidationError{Reason: "recipient address is required"}
			}
			rd, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(r.ID), rd); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recipients returns the non-suppressed recipients of a campaign
func (s *Store) Recipients(ctx context.Context, campaignID string) ([]*Recipient, error) {
	var recipients []*Recipient
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipients).Bucket([]byte(campaignID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var r Recipient
			if err := json.Unmarshal(v, &r); err != nil {
				return nil
			}
			if r.Suppressed {
				return nil
			}
			recipients = append(recipients, &r)
			return nil
		})
	})
	return recipients, err
}

// Suppress flags a recipient so no further tasks are created for it
func (s *Store) Suppress(ctx context.Context, campaignID, recipientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecipients).Bucket([]byte(campaignID))
		if b == nil {
			return fmt.Errorf("%w: campaign %s has no recipients", ErrNotFound, campaignID)
		}
		data := b.Get([]byte(recipientID))
		if data == nil {
			return fmt.Errorf("%w: recipient %s", ErrNotFound, recipientID)
		}
		var r Recipient
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.Suppressed = true
		rd, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		return b.Put([]byte(recipientID), rd)
	})
}

// Step returns the step at the given index
func (s *Store) Step(ctx context.Context, campaignID string, index int) (*Step, error) {
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(c.Steps) {
		return nil, fmt.Errorf("campaign %s has no step %d", campaignID, index)
	}
	step := c.Steps[index]
	return &step, nil
}

// UpdateStatus applies a status transition, enforcing the status machine
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status) error {
	return s.update(id, func(c *Campaign) error {
		if !CanTransition(c.Status, to) {
			return &ValidationError{Reason: fmt.Sprintf("cannot transition %s -> %s", c.Status, to)}
		}
		c.Status = to
		return nil
	})
}

// MarkCompleted transitions to Completed, recording whether any task failed
func (s *Store) MarkCompleted(ctx context.Context, id string, withFailures bool) error {
	return s.update(id, func(c *Campaign) error {
		if !CanTransition(c.Status, StatusCompleted) {
			return &ValidationError{Reason: fmt.Sprintf("cannot transition %s -> %s", c.Status, StatusCompleted)}
		}
		c.Status = StatusCompleted
		c.WithFailures = withFailures
		return nil
	})
}

func (s *Store) update(id string, fn func(*Campaign) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var c Campaign
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if err := fn(&c); err != nil {
			return err
		}
		return putCampaign(b, &c)
	})
}

func putCampaign(b *bolt.Bucket, c *Campaign) error {
	c.UpdatedAt = time.Now()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	return b.Put([]byte(c.ID), data)
}
