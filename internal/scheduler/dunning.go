package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/metrics"
	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/subscription"
	"github.com/jmehdipour/billing-reconciler/internal/util"
)

const day = 24 * time.Hour

type DunningConfig struct {
	ReminderDays    []int
	CancelAfterDays int
	BatchSize       int
}

type DunningStats struct {
	Scanned  int
	Reminded int
	Canceled int
	Errors   int
}

// DunningManager reminds past_due customers on fixed days and cancels the
// subscription once the grace period is over.
type DunningManager struct {
	subs          repository.SubscriptionsRepository
	notifications repository.NotificationsRepository
	machine       *subscription.Machine
	notifier      subscription.Notifier
	reminderDays  map[int]bool
	cfg           DunningConfig
	log           *zap.Logger
}

func NewDunningManager(
	subs repository.SubscriptionsRepository,
	notifications repository.NotificationsRepository,
	machine *subscription.Machine,
	notifier subscription.Notifier,
	cfg DunningConfig,
	log *zap.Logger,
) *DunningManager {
	if len(cfg.ReminderDays) == 0 {
		cfg.ReminderDays = []int{1, 3, 7, 14}
	}
	if cfg.CancelAfterDays <= 0 {
		cfg.CancelAfterDays = 14
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	days := make(map[int]bool, len(cfg.ReminderDays))
	for _, d := range cfg.ReminderDays {
		days[d] = true
	}
	return &DunningManager{
		subs:          subs,
		notifications: notifications,
		machine:       machine,
		notifier:      notifier,
		reminderDays:  days,
		cfg:           cfg,
		log:           log,
	}
}

func (m *DunningManager) Job() Job {
	return NewJob(JobDunning, func(ctx context.Context, now time.Time) error {
		_, err := m.RunDunningPass(ctx, now)
		return err
	})
}

// DaysPastDue is whole days elapsed since periodEnd, negative before it.
func DaysPastDue(periodEnd, now time.Time) int {
	d := now.Sub(periodEnd)
	if d < 0 {
		return -int((-d + day - 1) / day)
	}
	return int(d / day)
}

// RunDunningPass walks every past_due subscription. Days are counted from
// the stored period end each pass, so a corrected period end moves the
// schedule with it.
func (m *DunningManager) RunDunningPass(ctx context.Context, now time.Time) (DunningStats, error) {
	var stats DunningStats
	after := ""
	for ctx.Err() == nil {
		batch, err := m.subs.ListByStatus(ctx, model.StatusPastDue, after, m.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("list past_due subscriptions: %w", err)
		}
		for _, sub := range batch {
			if ctx.Err() != nil {
				break
			}
			after = sub.ID
			stats.Scanned++
			if err := m.process(context.WithoutCancel(ctx), sub, now, &stats); err != nil {
				stats.Errors++
				m.log.Error("dunning step failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			}
		}
		if len(batch) < m.cfg.BatchSize {
			break
		}
	}

	m.log.Info("dunning pass done",
		zap.Int("scanned", stats.Scanned),
		zap.Int("reminded", stats.Reminded),
		zap.Int("canceled", stats.Canceled),
		zap.Int("errors", stats.Errors),
	)
	return stats, nil
}

func (m *DunningManager) process(ctx context.Context, sub model.Subscription, now time.Time, stats *DunningStats) error {
	if sub.CurrentPeriodEnd == nil {
		m.log.Debug("past_due subscription without period end, skipped", zap.String("subscription_id", sub.ID))
		return nil
	}
	days := DaysPastDue(*sub.CurrentPeriodEnd, now)

	if days > m.cfg.CancelAfterDays {
		res, err := m.machine.Apply(ctx, subscription.Command{
			SubscriptionID: sub.ID,
			Trigger:        subscription.TriggerDunningExhausted,
			At:             now,
			Source:         "dunning",
		})
		if err != nil {
			return err
		}
		if res.Changed {
			stats.Canceled++
		}
		return nil
	}

	if !m.reminderDays[days] {
		return nil
	}
	return m.remind(ctx, sub, days, now, stats)
}

// remind logs the reminder before sending it, so a concurrent or repeated
// pass on the same UTC day sends nothing.
func (m *DunningManager) remind(ctx context.Context, sub model.Subscription, days int, now time.Time, stats *DunningStats) error {
	inserted, err := m.notifications.InsertIfAbsent(ctx, nil, model.NotificationLog{
		ID:               util.NewAt(now),
		SubscriptionID:   sub.ID,
		NotificationType: model.TemplateDunningReminder,
		SentDate:         now,
		CreatedAt:        now,
	})
	if err != nil {
		return fmt.Errorf("log reminder: %w", err)
	}
	if !inserted {
		return nil
	}
	stats.Reminded++

	if m.notifier == nil {
		return nil
	}
	err = m.notifier.Send(ctx, model.TemplateDunningReminder, sub.CustomerID, map[string]string{
		"subscription_id": sub.ID,
		"plan_id":         sub.PlanID,
		"days_past_due":   strconv.Itoa(days),
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(model.TemplateDunningReminder, "failed").Inc()
		m.log.Warn("dunning reminder failed", zap.String("subscription_id", sub.ID), zap.Error(err))
		return nil
	}
	metrics.NotificationsTotal.WithLabelValues(model.TemplateDunningReminder, "sent").Inc()
	m.log.Info("dunning reminder sent", zap.String("subscription_id", sub.ID), zap.Int("days_past_due", days))
	return nil
}
