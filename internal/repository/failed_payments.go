package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/billing-reconciler/internal/model"
)

type FailedPaymentsRepository interface {
	// InsertIfAbsent creates the record for (subscription_id, period_end) or
	// fills blank payment details on the existing one. It reports whether a
	// new row was created.
	InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, fp model.FailedPayment) (bool, error)
	Get(ctx context.Context, tx *sqlx.Tx, id string) (model.FailedPayment, error)
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (model.FailedPayment, error)
	Update(ctx context.Context, tx *sqlx.Tx, fp model.FailedPayment) error
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.FailedPayment, error)
	ListUnresolved(ctx context.Context, limit, offset int) ([]model.FailedPayment, error)
	ResolveOpenBySubscription(ctx context.Context, tx *sqlx.Tx, subscriptionID string, at time.Time) (int64, error)
	// HaltOpenBySubscription clears next_retry_at on open records; they stay
	// unresolved in the backlog.
	HaltOpenBySubscription(ctx context.Context, tx *sqlx.Tx, subscriptionID string, at time.Time) (int64, error)
}

type failedPaymentsRepository struct {
	db *sqlx.DB
}

func NewFailedPaymentsRepository(db *sqlx.DB) FailedPaymentsRepository {
	return &failedPaymentsRepository{db: db}
}

const failedPaymentColumns = `id, customer_id, subscription_id, payment_reference, amount, currency, period_end,
	retry_count, next_retry_at, resolved, resolved_at, last_error, created_at, updated_at`

func (r *failedPaymentsRepository) InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, fp model.FailedPayment) (bool, error) {
	// MySQL reports 1 affected row for an insert, 2 for an update that
	// changed something and 0 for a no-op duplicate.
	const q = `
		INSERT INTO failed_payments
		    (id, customer_id, subscription_id, payment_reference, amount, currency, period_end,
		     retry_count, next_retry_at, resolved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?)
		ON DUPLICATE KEY UPDATE
		    payment_reference = IF(payment_reference = '', VALUES(payment_reference), payment_reference),
		    amount            = IF(amount = 0, VALUES(amount), amount),
		    currency          = IF(currency = '', VALUES(currency), currency)
	`
	res, err := ext(r.db, tx).ExecContext(ctx, q,
		fp.ID, fp.CustomerID, fp.SubscriptionID, fp.PaymentReference, fp.Amount, fp.Currency, fp.PeriodEnd,
		fp.NextRetryAt, fp.CreatedAt, fp.UpdatedAt,
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

func (r *failedPaymentsRepository) Get(ctx context.Context, tx *sqlx.Tx, id string) (model.FailedPayment, error) {
	var fp model.FailedPayment
	err := sqlx.GetContext(ctx, ext(r.db, tx), &fp,
		`SELECT `+failedPaymentColumns+` FROM failed_payments WHERE id = ?`, id)
	return fp, notFound(err)
}

func (r *failedPaymentsRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (model.FailedPayment, error) {
	if tx == nil {
		return model.FailedPayment{}, ErrTxRequired
	}
	var fp model.FailedPayment
	err := tx.GetContext(ctx, &fp,
		`SELECT `+failedPaymentColumns+` FROM failed_payments WHERE id = ? FOR UPDATE`, id)
	return fp, notFound(err)
}

func (r *failedPaymentsRepository) Update(ctx context.Context, tx *sqlx.Tx, fp model.FailedPayment) error {
	_, err := ext(r.db, tx).ExecContext(ctx, `
		UPDATE failed_payments
		SET retry_count = ?, next_retry_at = ?, resolved = ?, resolved_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, fp.RetryCount, fp.NextRetryAt, fp.Resolved, fp.ResolvedAt, fp.LastError, fp.UpdatedAt, fp.ID)
	return err
}

func (r *failedPaymentsRepository) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.FailedPayment, error) {
	limit = clampLimit(limit, 100, 1000)

	var rows []model.FailedPayment
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+failedPaymentColumns+`
		FROM failed_payments
		WHERE resolved = 0 AND retry_count < ? AND next_retry_at <= ?
		ORDER BY next_retry_at
		LIMIT ?
	`, maxAttempts, now, limit)
	return rows, err
}

func (r *failedPaymentsRepository) ListUnresolved(ctx context.Context, limit, offset int) ([]model.FailedPayment, error) {
	limit = clampLimit(limit, 50, 1000)
	if offset < 0 {
		offset = 0
	}

	var rows []model.FailedPayment
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+failedPaymentColumns+`
		FROM failed_payments
		WHERE resolved = 0
		ORDER BY created_at
		LIMIT ? OFFSET ?
	`, limit, offset)
	return rows, err
}

func (r *failedPaymentsRepository) ResolveOpenBySubscription(ctx context.Context, tx *sqlx.Tx, subscriptionID string, at time.Time) (int64, error) {
	res, err := ext(r.db, tx).ExecContext(ctx, `
		UPDATE failed_payments
		SET resolved = 1, resolved_at = ?, next_retry_at = NULL, updated_at = ?
		WHERE subscription_id = ? AND resolved = 0
	`, at, at, subscriptionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *failedPaymentsRepository) HaltOpenBySubscription(ctx context.Context, tx *sqlx.Tx, subscriptionID string, at time.Time) (int64, error) {
	res, err := ext(r.db, tx).ExecContext(ctx, `
		UPDATE failed_payments
		SET next_retry_at = NULL, updated_at = ?
		WHERE subscription_id = ? AND resolved = 0 AND next_retry_at IS NOT NULL
	`, at, subscriptionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
