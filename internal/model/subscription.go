package model

import "time"

type SubscriptionStatus string

const (
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusUnpaid,
		StatusCanceled, StatusIncomplete, StatusIncompleteExpired:
		return true
	default:
		return false
	}
}

// Terminal states never transition again.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

// Live states count towards the one-live-subscription-per-customer rule.
func (s SubscriptionStatus) Live() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

type Subscription struct {
	ID                 string             `db:"id" json:"id"`
	CustomerID         string             `db:"customer_id" json:"customer_id"`
	PlanID             string             `db:"plan_id" json:"plan_id"`
	Status             SubscriptionStatus `db:"status" json:"status"`
	CurrentPeriodStart *time.Time         `db:"current_period_start" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `db:"current_period_end" json:"current_period_end,omitempty"`
	TrialEnd           *time.Time         `db:"trial_end" json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool               `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	CanceledAt         *time.Time         `db:"canceled_at" json:"canceled_at,omitempty"`
	LastEventAt        *time.Time         `db:"last_event_at" json:"last_event_at,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}
