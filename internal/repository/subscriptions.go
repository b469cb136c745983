package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/billing-reconciler/internal/model"
)

type SubscriptionsRepository interface {
	InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, s model.Subscription) (bool, error)
	Get(ctx context.Context, tx *sqlx.Tx, id string) (model.Subscription, error)
	// GetForUpdate locks the row until tx ends.
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (model.Subscription, error)
	Update(ctx context.Context, tx *sqlx.Tx, s model.Subscription) error
	// ListByStatus pages by id: pass the last id of the previous page.
	ListByStatus(ctx context.Context, status model.SubscriptionStatus, afterID string, limit int) ([]model.Subscription, error)
	ListCancelAtPeriodEndDue(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error)
	ListIncompleteOlderThan(ctx context.Context, before time.Time, limit int) ([]model.Subscription, error)
	// CountLiveByCustomer counts the customer's live subscriptions other than excludeID.
	CountLiveByCustomer(ctx context.Context, tx *sqlx.Tx, customerID, excludeID string) (int, error)
}

type subscriptionsRepository struct {
	db *sqlx.DB
}

func NewSubscriptionsRepository(db *sqlx.DB) SubscriptionsRepository {
	return &subscriptionsRepository{db: db}
}

const subscriptionColumns = `id, customer_id, plan_id, status, current_period_start, current_period_end,
	trial_end, cancel_at_period_end, canceled_at, last_event_at, created_at, updated_at`

func (r *subscriptionsRepository) InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, s model.Subscription) (bool, error) {
	const q = `
		INSERT INTO subscriptions
		    (id, customer_id, plan_id, status, current_period_start, current_period_end,
		     trial_end, cancel_at_period_end, canceled_at, last_event_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`
	res, err := ext(r.db, tx).ExecContext(ctx, q,
		s.ID, s.CustomerID, s.PlanID, s.Status.String(), s.CurrentPeriodStart, s.CurrentPeriodEnd,
		s.TrialEnd, s.CancelAtPeriodEnd, s.CanceledAt, s.LastEventAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *subscriptionsRepository) Get(ctx context.Context, tx *sqlx.Tx, id string) (model.Subscription, error) {
	var s model.Subscription
	err := sqlx.GetContext(ctx, ext(r.db, tx), &s,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	return s, notFound(err)
}

func (r *subscriptionsRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (model.Subscription, error) {
	if tx == nil {
		return model.Subscription{}, ErrTxRequired
	}
	var s model.Subscription
	err := tx.GetContext(ctx, &s,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ? FOR UPDATE`, id)
	return s, notFound(err)
}

func (r *subscriptionsRepository) Update(ctx context.Context, tx *sqlx.Tx, s model.Subscription) error {
	_, err := ext(r.db, tx).ExecContext(ctx, `
		UPDATE subscriptions
		SET status = ?, current_period_start = ?, current_period_end = ?, trial_end = ?,
		    cancel_at_period_end = ?, canceled_at = ?, last_event_at = ?, updated_at = ?
		WHERE id = ?
	`, s.Status.String(), s.CurrentPeriodStart, s.CurrentPeriodEnd, s.TrialEnd,
		s.CancelAtPeriodEnd, s.CanceledAt, s.LastEventAt, s.UpdatedAt, s.ID)
	return err
}

func (r *subscriptionsRepository) ListByStatus(ctx context.Context, status model.SubscriptionStatus, afterID string, limit int) ([]model.Subscription, error) {
	limit = clampLimit(limit, 200, 1000)

	var rows []model.Subscription
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, status.String(), afterID, limit)
	return rows, err
}

func (r *subscriptionsRepository) ListCancelAtPeriodEndDue(ctx context.Context, now time.Time, limit int) ([]model.Subscription, error) {
	limit = clampLimit(limit, 200, 1000)

	var rows []model.Subscription
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status IN ('active', 'trialing', 'past_due')
		  AND cancel_at_period_end = 1
		  AND current_period_end <= ?
		ORDER BY current_period_end
		LIMIT ?
	`, now, limit)
	return rows, err
}

func (r *subscriptionsRepository) ListIncompleteOlderThan(ctx context.Context, before time.Time, limit int) ([]model.Subscription, error) {
	limit = clampLimit(limit, 200, 1000)

	var rows []model.Subscription
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'incomplete' AND created_at <= ?
		ORDER BY created_at
		LIMIT ?
	`, before, limit)
	return rows, err
}

func (r *subscriptionsRepository) CountLiveByCustomer(ctx context.Context, tx *sqlx.Tx, customerID, excludeID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, ext(r.db, tx), &n, `
		SELECT COUNT(*)
		FROM subscriptions
		WHERE customer_id = ? AND id <> ? AND status IN ('active', 'trialing', 'past_due')
	`, customerID, excludeID)
	return n, err
}
