package postgres

import (
	"context"
	"fmt"

	"github.com/amora/realtime/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type NotificationRepo struct {
	pool *pgxpool.Pool
}

var _ domain.NotificationStore = (*NotificationRepo)(nil)

func NewNotificationRepo(pool *pgxpool.Pool) *NotificationRepo {
	return &NotificationRepo{pool: pool}
}

func (r *NotificationRepo) Create(ctx context.Context, user domain.UserID, kind, body string) (*domain.Notification, error) {
	n := &domain.Notification{UserID: user, Kind: kind, Body: body}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO notifications (user_id, kind, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		int64(user), kind, body,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	n.CreatedAt = n.CreatedAt.UTC()
	return n, nil
}

// MarkRead is idempotent for notifications the user owns.
func (r *NotificationRepo) MarkRead(ctx context.Context, user domain.UserID, notificationID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, now())
		WHERE id = $1 AND user_id = $2`,
		notificationID, int64(user))
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

func (r *NotificationRepo) UnreadCount(ctx context.Context, user domain.UserID) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, int64(user)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}
