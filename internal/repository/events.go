package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/billing-reconciler/internal/model"
)

// EventsRepository persists inbound processor notifications.
type EventsRepository interface {
	// InsertIfAbsent stores ev unless a row with the same id exists and
	// reports whether this call created it.
	InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, ev model.InboundEvent) (bool, error)
	Get(ctx context.Context, tx *sqlx.Tx, id string) (model.InboundEvent, error)
	MarkProcessed(ctx context.Context, tx *sqlx.Tx, id string, at time.Time) error
	// MarkFailed records reason and increments retry_count. Processed events
	// are left untouched.
	MarkFailed(ctx context.Context, tx *sqlx.Tx, id, reason string) error
	// ResetForReplay moves a non-processed event back to pending with a fresh
	// retry budget. It reports false when the event is already processed and
	// ErrNotFound when there is no such event.
	ResetForReplay(ctx context.Context, tx *sqlx.Tx, id string) (bool, error)
	// ListRetryable returns failed events with budget left and pending events
	// received before pendingBefore, oldest first.
	ListRetryable(ctx context.Context, maxAttempts int, pendingBefore time.Time, limit int) ([]model.InboundEvent, error)
	ListFailed(ctx context.Context, limit, offset int) ([]model.InboundEvent, error)
}

type eventsRepository struct {
	db *sqlx.DB
}

func NewEventsRepository(db *sqlx.DB) EventsRepository {
	return &eventsRepository{db: db}
}

const eventColumns = `id, type, subscription_id, payload, created_at_source, received_at,
	processing_state, processed_at, last_error, retry_count`

func (r *eventsRepository) InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, ev model.InboundEvent) (bool, error) {
	const q = `
		INSERT INTO inbound_events
		    (id, type, subscription_id, payload, created_at_source, received_at, processing_state, retry_count)
		VALUES
		    (?,  ?,    ?,               ?,       ?,                 ?,           'pending',        0)
		ON DUPLICATE KEY UPDATE id = id
	`
	var inserted bool
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			ev.ID, ev.Type, ev.SubscriptionID, ev.Payload, ev.SourceCreatedAt, ev.ReceivedAt,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

func (r *eventsRepository) Get(ctx context.Context, tx *sqlx.Tx, id string) (model.InboundEvent, error) {
	var ev model.InboundEvent
	err := sqlx.GetContext(ctx, ext(r.db, tx), &ev,
		`SELECT `+eventColumns+` FROM inbound_events WHERE id = ?`, id)
	return ev, notFound(err)
}

func (r *eventsRepository) MarkProcessed(ctx context.Context, tx *sqlx.Tx, id string, at time.Time) error {
	_, err := ext(r.db, tx).ExecContext(ctx, `
		UPDATE inbound_events
		SET processing_state = 'processed', processed_at = ?, last_error = NULL
		WHERE id = ?
	`, at, id)
	return err
}

func (r *eventsRepository) MarkFailed(ctx context.Context, tx *sqlx.Tx, id, reason string) error {
	_, err := ext(r.db, tx).ExecContext(ctx, `
		UPDATE inbound_events
		SET processing_state = 'failed', last_error = ?, retry_count = retry_count + 1
		WHERE id = ? AND processing_state <> 'processed'
	`, reason, id)
	return err
}

func (r *eventsRepository) ResetForReplay(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	// MySQL reports changed rows, not matched rows, so a pending event with a
	// zero retry count would read as 0 affected. Decide on the locked state.
	reset := false
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		var state string
		err := tx.GetContext(ctx, &state, `
			SELECT processing_state FROM inbound_events WHERE id = ? FOR UPDATE
		`, id)
		if err != nil {
			return notFound(err)
		}
		if state == string(model.StateProcessed) {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE inbound_events
			SET processing_state = 'pending', retry_count = 0
			WHERE id = ?
		`, id); err != nil {
			return err
		}
		reset = true
		return nil
	})
	return reset, err
}

func (r *eventsRepository) ListRetryable(ctx context.Context, maxAttempts int, pendingBefore time.Time, limit int) ([]model.InboundEvent, error) {
	limit = clampLimit(limit, 100, 1000)

	var rows []model.InboundEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+eventColumns+`
		FROM inbound_events
		WHERE (processing_state = 'failed' AND retry_count < ?)
		   OR (processing_state = 'pending' AND received_at <= ?)
		ORDER BY received_at
		LIMIT ?
	`, maxAttempts, pendingBefore, limit)
	return rows, err
}

func (r *eventsRepository) ListFailed(ctx context.Context, limit, offset int) ([]model.InboundEvent, error) {
	limit = clampLimit(limit, 50, 1000)
	if offset < 0 {
		offset = 0
	}

	var rows []model.InboundEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+eventColumns+`
		FROM inbound_events
		WHERE processing_state = 'failed'
		ORDER BY received_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	return rows, err
}
