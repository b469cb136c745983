package scheduler

import (
	"context"
	"time"

	"github.com/jmehdipour/billing-reconciler/internal/dispatcher"
)

// EventRetrier re-dispatches failed and stuck inbound events.
type EventRetrier interface {
	RunRetryPass(ctx context.Context, now time.Time) (dispatcher.SweepStats, error)
}

func EventRetryJob(r EventRetrier) Job {
	return NewJob(JobEventRetry, func(ctx context.Context, now time.Time) error {
		_, err := r.RunRetryPass(ctx, now)
		return err
	})
}
