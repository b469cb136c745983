package model

import "time"

type ProcessingState string

const (
	StatePending   ProcessingState = "pending"
	StateProcessed ProcessingState = "processed"
	StateFailed    ProcessingState = "failed"
)

func (s ProcessingState) String() string {
	return string(s)
}

func (s ProcessingState) Valid() bool {
	return s == StatePending || s == StateProcessed || s == StateFailed
}

// InboundEvent is one processor notification exactly as it was received.
// ID is the sender's event id and the dedup key.
type InboundEvent struct {
	ID              string          `db:"id" json:"id"`
	Type            string          `db:"type" json:"type"`
	SubscriptionID  string          `db:"subscription_id" json:"subscription_id,omitempty"`
	Payload         []byte          `db:"payload" json:"-"`
	SourceCreatedAt time.Time       `db:"created_at_source" json:"created_at_source"`
	ReceivedAt      time.Time       `db:"received_at" json:"received_at"`
	State           ProcessingState `db:"processing_state" json:"processing_state"`
	ProcessedAt     *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	LastError       *string         `db:"last_error" json:"last_error,omitempty"`
	RetryCount      int             `db:"retry_count" json:"retry_count"`
}
