package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jmehdipour/billing-reconciler/internal/backoff"
	"github.com/jmehdipour/billing-reconciler/internal/metrics"
	"github.com/jmehdipour/billing-reconciler/internal/model"
	"github.com/jmehdipour/billing-reconciler/internal/provider"
	"github.com/jmehdipour/billing-reconciler/internal/repository"
	"github.com/jmehdipour/billing-reconciler/internal/subscription"
)

// Collector charges a payment reference.
type Collector interface {
	CollectPayment(ctx context.Context, paymentReference string) (provider.CollectResult, error)
}

type RetryConfig struct {
	BatchSize   int
	CallTimeout time.Duration
}

type RetryStats struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
}

type retryOutcome string

const (
	retrySucceeded retryOutcome = "succeeded"
	retryFailed    retryOutcome = "failed"
	retrySkipped   retryOutcome = "skipped"
	retryError     retryOutcome = "error"
)

// PaymentRetrier re-attempts collection of due FailedPayments.
type PaymentRetrier struct {
	tx        repository.Transactor
	payments  repository.FailedPaymentsRepository
	machine   *subscription.Machine
	collector Collector
	schedule  backoff.Schedule
	cfg       RetryConfig
	log       *zap.Logger
}

func NewPaymentRetrier(
	tx repository.Transactor,
	payments repository.FailedPaymentsRepository,
	machine *subscription.Machine,
	collector Collector,
	schedule backoff.Schedule,
	cfg RetryConfig,
	log *zap.Logger,
) *PaymentRetrier {
	if len(schedule) == 0 {
		schedule = backoff.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentRetrier{
		tx:        tx,
		payments:  payments,
		machine:   machine,
		collector: collector,
		schedule:  schedule,
		cfg:       cfg,
		log:       log,
	}
}

// Job adapts the retrier to the job runner.
func (r *PaymentRetrier) Job() Job {
	return NewJob(JobPaymentRetry, func(ctx context.Context, now time.Time) error {
		_, err := r.RunRetryPass(ctx, now)
		return err
	})
}

// RunRetryPass attempts every due FailedPayment in one batch. The
// collaborator is called with no lock held; the outcome is then applied to
// the re-read row. Cancelling ctx stops the pass between records.
func (r *PaymentRetrier) RunRetryPass(ctx context.Context, now time.Time) (RetryStats, error) {
	var stats RetryStats

	due, err := r.payments.ListDue(ctx, now, r.schedule.MaxAttempts(), r.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list due failed payments: %w", err)
	}

	for _, fp := range due {
		if ctx.Err() != nil {
			break
		}
		stats.Attempted++

		outcome, err := r.retryOne(context.WithoutCancel(ctx), fp, now)
		metrics.PaymentRetriesTotal.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case retrySucceeded:
			stats.Succeeded++
		case retrySkipped:
			stats.Skipped++
		default:
			stats.Failed++
		}
		if err != nil {
			r.log.Error("payment retry failed",
				zap.String("failed_payment_id", fp.ID),
				zap.Error(err),
			)
		}
	}

	r.log.Info("payment retry pass done",
		zap.Int("attempted", stats.Attempted),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

func (r *PaymentRetrier) retryOne(ctx context.Context, fp model.FailedPayment, now time.Time) (retryOutcome, error) {
	if fp.PaymentReference == "" {
		return r.recordFailure(ctx, fp, now, "no payment reference")
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	res, callErr := r.collector.CollectPayment(cctx, fp.PaymentReference)
	cancel()

	switch {
	case callErr != nil:
		return r.recordFailure(ctx, fp, now, callErr.Error())
	case !res.Succeeded:
		reason := res.ErrorCode
		if res.ErrorMessage != "" {
			reason += ": " + res.ErrorMessage
		}
		return r.recordFailure(ctx, fp, now, reason)
	}
	return r.recordSuccess(ctx, fp, now)
}

// recordSuccess confirms the payment on the subscription (which resolves its
// open FailedPayments on recovery) and resolves fp itself. Lock order is
// subscription, then FailedPayment, as everywhere else.
func (r *PaymentRetrier) recordSuccess(ctx context.Context, fp model.FailedPayment, now time.Time) (retryOutcome, error) {
	var (
		res     subscription.Result
		applied bool
	)
	err := r.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		applied = false
		if fp.SubscriptionID != nil {
			var err error
			res, err = r.machine.ApplyTx(ctx, tx, subscription.Command{
				SubscriptionID: *fp.SubscriptionID,
				Trigger:        subscription.TriggerPaymentConfirmed,
				At:             now,
				Source:         "retry",
			})
			switch {
			case errors.Is(err, subscription.ErrNotFound):
				r.log.Warn("failed payment references unknown subscription",
					zap.String("failed_payment_id", fp.ID),
					zap.String("subscription_id", *fp.SubscriptionID),
				)
			case err != nil:
				return err
			default:
				applied = true
			}
		}

		cur, err := r.payments.GetForUpdate(ctx, tx, fp.ID)
		if err != nil {
			return fmt.Errorf("lock failed payment: %w", err)
		}
		if cur.Resolved {
			return nil
		}
		cur.Resolved = true
		cur.ResolvedAt = &now
		cur.NextRetryAt = nil
		cur.UpdatedAt = now
		return r.payments.Update(ctx, tx, cur)
	})
	if err != nil {
		return retryError, err
	}
	if applied {
		r.machine.Finish(ctx, res)
	}
	r.log.Info("payment collected on retry",
		zap.String("failed_payment_id", fp.ID),
		zap.Int("retry_count", fp.RetryCount),
	)
	return retrySucceeded, nil
}

// recordFailure consumes one attempt. A row that was resolved, halted or
// retried by someone else since it was listed is left untouched.
func (r *PaymentRetrier) recordFailure(ctx context.Context, fp model.FailedPayment, now time.Time, reason string) (retryOutcome, error) {
	outcome := retryFailed
	var next *time.Time
	err := r.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := r.payments.GetForUpdate(ctx, tx, fp.ID)
		if err != nil {
			return fmt.Errorf("lock failed payment: %w", err)
		}
		if cur.Resolved || cur.NextRetryAt == nil || cur.RetryCount != fp.RetryCount {
			outcome = retrySkipped
			return nil
		}
		cur.RetryCount++
		cur.NextRetryAt = r.schedule.Next(cur.RetryCount, now)
		cur.LastError = &reason
		cur.UpdatedAt = now
		next = cur.NextRetryAt
		return r.payments.Update(ctx, tx, cur)
	})
	if err != nil {
		return retryError, err
	}
	if outcome == retrySkipped {
		r.log.Debug("failed payment changed since listing, skipped", zap.String("failed_payment_id", fp.ID))
		return outcome, nil
	}

	log := r.log.With(
		zap.String("failed_payment_id", fp.ID),
		zap.Int("retry_count", fp.RetryCount+1),
		zap.String("reason", reason),
	)
	if next == nil {
		log.Warn("retry budget exhausted, left for dunning")
	} else {
		log.Info("payment retry failed, rescheduled", zap.Time("next_retry_at", *next))
	}
	return outcome, nil
}
