package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billrec_webhooks_total",
			Help: "Inbound webhook deliveries by outcome",
		},
		[]string{"outcome"}, // accepted|duplicate|rejected|malformed|error
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billrec_events_total",
			Help: "Dispatched events by outcome",
		},
		[]string{"outcome"}, // processed|unknown|failed|skipped
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billrec_transitions_total",
			Help: "Applied subscription status transitions",
		},
		[]string{"from", "to"},
	)

	StaleUpdatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billrec_stale_updates_total",
			Help: "Out-of-order updates discarded by the state machine",
		},
	)

	LiveConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "billrec_live_conflicts_total",
			Help: "Subscriptions entering a live state while another live one exists for the customer",
		},
	)

	PaymentRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billrec_payment_retries_total",
			Help: "Collection retry attempts by outcome",
		},
		[]string{"outcome"}, // succeeded|failed|skipped|error
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billrec_notifications_total",
			Help: "Notifications handed to the notification collaborator",
		},
		[]string{"template", "outcome"}, // sent|failed
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billrec_job_runs_total",
			Help: "Scheduled job runs by outcome",
		},
		[]string{"job", "outcome"}, // ok|error|skipped
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		WebhooksTotal,
		EventsTotal,
		TransitionsTotal,
		StaleUpdatesTotal,
		LiveConflictsTotal,
		PaymentRetriesTotal,
		NotificationsTotal,
		JobRunsTotal,
	)
}
