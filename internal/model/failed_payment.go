package model

import "time"

// FailedPayment tracks collection of one unpaid period. Amount is in minor
// currency units.
type FailedPayment struct {
	ID               string     `db:"id" json:"id"`
	CustomerID       string     `db:"customer_id" json:"customer_id"`
	SubscriptionID   *string    `db:"subscription_id" json:"subscription_id,omitempty"`
	PaymentReference string     `db:"payment_reference" json:"payment_reference"`
	Amount           int64      `db:"amount" json:"amount"`
	Currency         string     `db:"currency" json:"currency"`
	PeriodEnd        *time.Time `db:"period_end" json:"period_end,omitempty"`
	RetryCount       int        `db:"retry_count" json:"retry_count"`
	NextRetryAt      *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`
	Resolved         bool       `db:"resolved" json:"resolved"`
	ResolvedAt       *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	LastError        *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}
