package campaign

import (
	"fmt"
	"time"
)

// Kind distinguishes one-shot bulk sends from multi-step drip sequences
type Kind string

const (
	KindBulk Kind = "bulk"
	KindDrip Kind = "drip"
)

// Status represents the lifecycle state of a campaign
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status allows no further transitions
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// validTransitions encodes the monotonic status machine; the only cycle
// is Paused <-> Running.
var validTransitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
}

// CanTransition reports whether a status change is allowed
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Campaign is a configured email send operation, bulk or multi-step
type Campaign struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	Provider    string    `json:"provider"` // provider kind used for all sends
	FromAddress string    `json:"from_address"`
	FromName    string    `json:"from_name,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	Steps       []Step    `json:"steps"`
	StartAt     time.Time `json:"start_at"`
	// WithFailures is set when the campaign completed but some tasks failed
	WithFailures bool      `json:"with_failures,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Step is one email in a campaign sequence. Offset is relative to the
// campaign start for the first step, and to the completion of the prior
// step (per recipient) for later drip steps.
type Step struct {
	Index      int           `json:"index"`
	TemplateID string        `json:"template_id"`
	Offset     time.Duration `json:"offset"`
	Window     string        `json:"window,omitempty"` // named send window, empty = any time
}

// Recipient is a campaign target with personalization fields
type Recipient struct {
	ID         string            `json:"id"`
	Address    string            `json:"address"`
	Fields     map[string]string `json:"fields,omitempty"`
	Suppressed bool              `json:"suppressed,omitempty"`
}

// ValidationError reports bad campaign or step data, surfaced to the owner
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid campaign: " + e.Reason
}

// Validate checks campaign structure invariants
func (c *Campaign) Validate() error {
	if c.Account == "" {
		return &ValidationError{Reason: "account is required"}
	}
	if c.Provider == "" {
		return &ValidationError{Reason: "provider is required"}
	}
	if c.FromAddress == "" {
		return &ValidationError{Reason: "from address is required"}
	}
	if c.Kind != KindBulk && c.Kind != KindDrip {
		return &ValidationError{Reason: fmt.Sprintf("unknown kind %q", c.Kind)}
	}
	if len(c.Steps) == 0 {
		return &ValidationError{Reason: "at least one step is required"}
	}
	if c.Kind == KindBulk && len(c.Steps) != 1 {
		return &ValidationError{Reason: "bulk campaign must have exactly one step"}
	}
	for i, step := range c.Steps {
		if step.Index != i {
			return &ValidationError{Reason: fmt.Sprintf("step indexes must be contiguous, got %d at position %d", step.Index, i)}
		}
		if step.TemplateID == "" {
			return &ValidationError{Reason: fmt.Sprintf("step %d: template is required", i)}
		}
		if step.Offset < 0 {
			return &ValidationError{Reason: fmt.Sprintf("step %d: offset must not be negative", i)}
		}
	}
	return nil
}

// LastStep returns the highest step index
func (c *Campaign) LastStep() int {
	return len(c.Steps) - 1
}
