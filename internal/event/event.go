package event

import (
	"time"
)

// Outcome is the final word on one send task
type Outcome string

const (
	// OutcomeAccepted means the provider took responsibility for the message
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRejected means the provider refused the message outright
	OutcomeRejected Outcome = "rejected"
	// OutcomeProviderError means retries were exhausted on transient failures
	OutcomeProviderError Outcome = "provider_error"
	// OutcomePermanentFailure means the task can never succeed
	OutcomePermanentFailure Outcome = "permanent_failure"
	// OutcomeCancelled means the campaign was cancelled before dispatch
	OutcomeCancelled Outcome = "cancelled"
)

// DeliveryEvent records the terminal outcome of one send task. The log
// is append-only; a task produces exactly one event.
type DeliveryEvent struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"task_id"`
	CampaignID        string    `json:"campaign_id"`
	RecipientID       string    `json:"recipient_id"`
	Outcome           Outcome   `json:"outcome"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	At                time.Time `json:"at"`
}

// ListFilter contains filters for listing events
type ListFilter struct {
	CampaignID string
	Outcome    Outcome
	Limit      int
}
