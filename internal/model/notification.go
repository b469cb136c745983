package model

import "time"

// Template kinds understood by the notification collaborator.
const (
	TemplateTrialConverted       = "trial_converted"
	TemplateSubscriptionCanceled = "subscription_canceled"
	TemplateDunningReminder      = "dunning_reminder"
	TemplateDunningFinalNotice   = "dunning_final_notice"
)

// NotificationLog records that a notification type was sent for a
// subscription on a calendar day (UTC).
type NotificationLog struct {
	ID               string    `db:"id"`
	SubscriptionID   string    `db:"subscription_id"`
	NotificationType string    `db:"notification_type"`
	SentDate         time.Time `db:"sent_date"`
	CreatedAt        time.Time `db:"created_at"`
}

// SentDate truncates t to its UTC calendar day.
func SentDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
