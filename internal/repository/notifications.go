package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/billing-reconciler/internal/model"
)

// NotificationsRepository guards at-most-once-per-day sends.
type NotificationsRepository interface {
	// InsertIfAbsent reports false when (subscription, type, sent_date) was
	// already logged.
	InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, n model.NotificationLog) (bool, error)
}

type notificationsRepository struct {
	db *sqlx.DB
}

func NewNotificationsRepository(db *sqlx.DB) NotificationsRepository {
	return &notificationsRepository{db: db}
}

func (r *notificationsRepository) InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, n model.NotificationLog) (bool, error) {
	res, err := ext(r.db, tx).ExecContext(ctx, `
		INSERT INTO notification_log (id, subscription_id, notification_type, sent_date, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, n.ID, n.SubscriptionID, n.NotificationType, model.SentDate(n.SentDate), n.CreatedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
