package subscription

import (
	"time"

	"github.com/jmehdipour/billing-reconciler/internal/model"
)

// staleReason returns why rep describes an older state than stored, or ""
// when rep may be applied. Ordering uses the reported fields, never arrival.
func staleReason(stored model.Subscription, rep *Snapshot) string {
	if rep.CurrentPeriodEnd != nil && stored.CurrentPeriodEnd != nil {
		if rep.CurrentPeriodEnd.Before(*stored.CurrentPeriodEnd) {
			return "older current_period_end"
		}
		if rep.CurrentPeriodEnd.After(*stored.CurrentPeriodEnd) {
			return ""
		}
	}
	if rep.CanceledAt != nil && stored.CanceledAt != nil && rep.CanceledAt.Before(*stored.CanceledAt) {
		return "older canceled_at"
	}
	if !rep.EventAt.IsZero() && stored.LastEventAt != nil && rep.EventAt.Before(*stored.LastEventAt) {
		return "older event"
	}
	return ""
}

func applySnapshot(s *model.Subscription, rep *Snapshot) {
	if rep.CurrentPeriodStart != nil {
		s.CurrentPeriodStart = copyTime(rep.CurrentPeriodStart)
	}
	if rep.CurrentPeriodEnd != nil {
		s.CurrentPeriodEnd = copyTime(rep.CurrentPeriodEnd)
	}
	if rep.TrialEnd != nil {
		s.TrialEnd = copyTime(rep.TrialEnd)
	}
	if rep.CanceledAt != nil {
		s.CanceledAt = copyTime(rep.CanceledAt)
	}
	if rep.CancelAtPeriodEnd != nil {
		s.CancelAtPeriodEnd = *rep.CancelAtPeriodEnd
	}
	if !rep.EventAt.IsZero() && (s.LastEventAt == nil || rep.EventAt.After(*s.LastEventAt)) {
		at := rep.EventAt
		s.LastEventAt = &at
	}
}

func snapshotOf(s model.Subscription, eventAt time.Time) *Snapshot {
	cancel := s.CancelAtPeriodEnd
	return &Snapshot{
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		TrialEnd:           s.TrialEnd,
		CanceledAt:         s.CanceledAt,
		CancelAtPeriodEnd:  &cancel,
		EventAt:            eventAt,
	}
}

func copyTime(t *time.Time) *time.Time {
	v := *t
	return &v
}
