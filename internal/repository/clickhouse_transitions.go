package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/billing-reconciler/internal/model"
)

// TransitionsRepository appends and reads subscription status history in ClickHouse.
type TransitionsRepository interface {
	Insert(ctx context.Context, t model.Transition) error
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]model.Transition, error)
}

type chTransitionsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHTransitionsRepository(ch *sqlx.DB) TransitionsRepository {
	return &chTransitionsRepository{ch: ch}
}

func (r *chTransitionsRepository) Insert(ctx context.Context, t model.Transition) error {
	_, err := r.ch.ExecContext(ctx, `
		INSERT INTO billrec.subscription_transitions
		    (id, subscription_id, from_status, to_status, trigger, source, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SubscriptionID, t.FromStatus, t.ToStatus, t.Trigger, t.Source, t.OccurredAt)
	return err
}

func (r *chTransitionsRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]model.Transition, error) {
	limit = clampLimit(limit, 50, 1000)

	var rows []model.Transition
	err := r.ch.SelectContext(ctx, &rows, `
		SELECT id, subscription_id, from_status, to_status, trigger, source, occurred_at
		FROM billrec.subscription_transitions
		WHERE subscription_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`, subscriptionID, limit)
	return rows, err
}

// NopTransitions discards history when ClickHouse is not configured.
type NopTransitions struct{}

func (NopTransitions) Insert(context.Context, model.Transition) error { return nil }

func (NopTransitions) ListBySubscription(context.Context, string, int) ([]model.Transition, error) {
	return nil, nil
}
