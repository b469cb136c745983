package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/subscription"
)

type LifecycleConfig struct {
	IncompleteTimeout time.Duration
	BatchSize         int
}

type LifecycleStats struct {
	PeriodEnded int
	Expired     int
	Errors      int
}

// LifecycleSweeper applies the time-driven transitions no event reports:
// cancel-at-period-end boundaries and abandoned incomplete signups.
type LifecycleSweeper struct {
	subs    repository.SubscriptionsRepository
	machine *subscription.Machine
	cfg     LifecycleConfig
	log     *zap.Logger
}

func NewLifecycleSweeper(subs repository.SubscriptionsRepository, machine *subscription.Machine, cfg LifecycleConfig, log *zap.Logger) *LifecycleSweeper {
	if cfg.IncompleteTimeout <= 0 {
		cfg.IncompleteTimeout = 23 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LifecycleSweeper{subs: subs, machine: machine, cfg: cfg, log: log}
}

func (s *LifecycleSweeper) Job() Job {
	return NewJob(JobLifecycle, func(ctx context.Context, now time.Time) error {
		_, err := s.RunLifecyclePass(ctx, now)
		return err
	})
}

func (s *LifecycleSweeper) RunLifecyclePass(ctx context.Context, now time.Time) (LifecycleStats, error) {
	var stats LifecycleStats

	due, err := s.subs.ListCancelAtPeriodEndDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list period-end cancellations: %w", err)
	}
	stats.PeriodEnded, stats.Errors = s.applyAll(ctx, due, subscription.TriggerPeriodEnded, now)

	stale, err := s.subs.ListIncompleteOlderThan(ctx, now.Add(-s.cfg.IncompleteTimeout), s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list stale incomplete subscriptions: %w", err)
	}
	expired, errs := s.applyAll(ctx, stale, subscription.TriggerIncompleteExpired, now)
	stats.Expired = expired
	stats.Errors += errs

	s.log.Info("lifecycle pass done",
		zap.Int("period_ended", stats.PeriodEnded),
		zap.Int("expired", stats.Expired),
		zap.Int("errors", stats.Errors),
	)
	return stats, nil
}

func (s *LifecycleSweeper) applyAll(ctx context.Context, subs []model.Subscription, trigger subscription.Trigger, now time.Time) (changed, errs int) {
	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		res, err := s.machine.Apply(context.WithoutCancel(ctx), subscription.Command{
			SubscriptionID: sub.ID,
			Trigger:        trigger,
			At:             now,
			Source:         "lifecycle",
		})
		if err != nil {
			errs++
			s.log.Error("lifecycle transition failed",
				zap.String("subscription_id", sub.ID),
				zap.String("trigger", trigger.String()),
				zap.Error(err),
			)
			continue
		}
		if res.Changed {
			changed++
		}
	}
	return
}
