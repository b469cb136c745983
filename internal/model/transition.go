package model

import "time"

// Transition is one applied status change, kept in ClickHouse for history.
type Transition struct {
	ID             string    `db:"id" json:"id"`
	SubscriptionID string    `db:"subscription_id" json:"subscription_id"`
	FromStatus     string    `db:"from_status" json:"from_status"`
	ToStatus       string    `db:"to_status" json:"to_status"`
	Trigger        string    `db:"trigger" json:"trigger"`
	Source         string    `db:"source" json:"source"`
	OccurredAt     time.Time `db:"occurred_at" json:"occurred_at"`
}
