package task

import (
	"strconv"
	"time"
)

// Status represents the dispatch state of a send task
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSent     Status = "sent"
	StatusDeferred Status = "deferred"
	StatusFailed   Status = "failed"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Task is the atomic unit of work: one recipient, one step, one delivery
// attempt lifecycle. Unique per (campaign, step, recipient) triple.
type Task struct {
	ID          string `json:"id"`
	CampaignID  string `json:"campaign_id"`
	StepIndex   int    `json:"step_index"`
	RecipientID string `json:"recipient_id"`

	Account  string `json:"account"`
	Provider string `json:"provider"`

	// Rendered message, frozen at materialization time
	Address  string `json:"address"`
	FromAddr string `json:"from_addr"`
	FromName string `json:"from_name,omitempty"`
	ReplyTo  string `json:"reply_to,omitempty"`
	Subject  string `json:"subject"`
	HTML     string `json:"html,omitempty"`
	Text     string `json:"text,omitempty"`

	Status    Status    `json:"status"`
	DueAt     time.Time `json:"due_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Cancelled bool      `json:"cancelled,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	SentAt    time.Time `json:"sent_at,omitzero"`
}

// Key returns the deterministic uniqueness key for the triple
func (t *Task) Key() string {
	return t.CampaignID + "/" + strconv.Itoa(t.StepIndex) + "/" + t.RecipientID
}

// Stats contains queue statistics
type Stats struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Sent     int64 `json:"sent"`
	Deferred int64 `json:"deferred"`
	Failed   int64 `json:"failed"`
	Total    int64 `json:"total"`
}

// Active returns the number of not-yet-terminal tasks
func (s Stats) Active() int64 {
	return s.Pending + s.InFlight + s.Deferred
}

// ListFilter represents filter options for listing tasks
type ListFilter struct {
	CampaignID string
	Status     Status
	Limit      int
	Offset     int
}
