package subscription

import (
	"time"

	"github.com/jmehdipour/billing-reconciler/internal/model"
)

// Trigger names what asks a subscription to move.
type Trigger string

const (
	TriggerPaymentConfirmed          Trigger = "payment_confirmed"
	TriggerPaymentFailed             Trigger = "payment_failed"
	TriggerTrialEndedNoPaymentMethod Trigger = "trial_ended_no_payment_method"
	TriggerIncompleteExpired         Trigger = "incomplete_expired"
	TriggerCancelImmediate           Trigger = "cancel_immediate"
	TriggerCancelAtPeriodEnd         Trigger = "cancel_at_period_end"
	TriggerPeriodEnded               Trigger = "period_ended"
	TriggerDunningExhausted          Trigger = "dunning_exhausted"
	TriggerMarkedUnpaid              Trigger = "marked_unpaid"
	// TriggerSnapshot only refreshes reported period fields.
	TriggerSnapshot Trigger = "snapshot"
)

func (t Trigger) String() string { return string(t) }

// target decides the destination status for s at time at. ok=false means
// the trigger does not apply.
type target func(s model.Subscription, at time.Time) (to model.SubscriptionStatus, ok bool)

func to(status model.SubscriptionStatus) target {
	return func(model.Subscription, time.Time) (model.SubscriptionStatus, bool) {
		return status, true
	}
}

func stay(s model.Subscription, _ time.Time) (model.SubscriptionStatus, bool) {
	return s.Status, true
}

// firstPayment lands in trialing while a trial is still running.
func firstPayment(s model.Subscription, at time.Time) (model.SubscriptionStatus, bool) {
	if s.TrialEnd != nil && s.TrialEnd.After(at) {
		return model.StatusTrialing, true
	}
	return model.StatusActive, true
}

// trialConverted requires the trial to be over; a payment confirmed during
// the trial (the zero-amount trial invoice) changes nothing.
func trialConverted(s model.Subscription, at time.Time) (model.SubscriptionStatus, bool) {
	if s.TrialEnd != nil && at.Before(*s.TrialEnd) {
		return "", false
	}
	return model.StatusActive, true
}

func periodEnded(s model.Subscription, at time.Time) (model.SubscriptionStatus, bool) {
	if !s.CancelAtPeriodEnd || s.CurrentPeriodEnd == nil || at.Before(*s.CurrentPeriodEnd) {
		return "", false
	}
	return model.StatusCanceled, true
}

var (
	live        = []model.SubscriptionStatus{model.StatusActive, model.StatusTrialing, model.StatusPastDue}
	cancelable  = append(append([]model.SubscriptionStatus{}, live...), model.StatusUnpaid)
	nonTerminal = append(append([]model.SubscriptionStatus{}, cancelable...), model.StatusIncomplete)
)

func each(states []model.SubscriptionStatus, t target) map[model.SubscriptionStatus]target {
	m := make(map[model.SubscriptionStatus]target, len(states))
	for _, s := range states {
		m[s] = t
	}
	return m
}

// transitions is the lifecycle table keyed by trigger, then current status.
var transitions = map[Trigger]map[model.SubscriptionStatus]target{
	TriggerPaymentConfirmed: {
		model.StatusIncomplete: firstPayment,
		model.StatusTrialing:   trialConverted,
		model.StatusPastDue:    to(model.StatusActive),
	},
	TriggerPaymentFailed: {
		model.StatusActive:   to(model.StatusPastDue),
		model.StatusTrialing: to(model.StatusPastDue),
		model.StatusPastDue:  stay,
	},
	TriggerTrialEndedNoPaymentMethod: {
		model.StatusTrialing: to(model.StatusPastDue),
	},
	TriggerIncompleteExpired: {
		model.StatusIncomplete: to(model.StatusIncompleteExpired),
	},
	TriggerCancelImmediate:   each(cancelable, to(model.StatusCanceled)),
	TriggerCancelAtPeriodEnd: each(live, stay),
	TriggerPeriodEnded:       each(live, periodEnded),
	TriggerDunningExhausted: {
		model.StatusPastDue: to(model.StatusCanceled),
	},
	TriggerMarkedUnpaid: {
		model.StatusPastDue: to(model.StatusUnpaid),
	},
	TriggerSnapshot: each(nonTerminal, stay),
}

func resolve(trigger Trigger, s model.Subscription, at time.Time) (model.SubscriptionStatus, bool) {
	byStatus, ok := transitions[trigger]
	if !ok {
		return "", false
	}
	t, ok := byStatus[s.Status]
	if !ok {
		return "", false
	}
	return t(s, at)
}

// opensFailure reports triggers that record a FailedPayment on past_due.
func opensFailure(t Trigger) bool {
	return t == TriggerPaymentFailed || t == TriggerTrialEndedNoPaymentMethod
}
