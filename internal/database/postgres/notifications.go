package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
)

// NotificationRepository stores per-user match notifications.
type NotificationRepository struct {
	pool *Pool
}

// NewNotificationRepository creates a new PostgreSQL notification repository.
func NewNotificationRepository(pool *Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

// CreateNotification inserts a notification.
func (r *NotificationRepository) CreateNotification(ctx context.Context, n *database.Notification) error {
	err := r.pool.X().QueryRowxContext(ctx, `
		INSERT INTO notifications (id, user_id, photo_id, kind)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, n.ID, n.UserID, n.PhotoID, n.Kind).Scan(&n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (r *NotificationRepository) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]database.Notification, error) {
	var out []database.Notification
	err := r.pool.X().SelectContext(ctx, &out, `
		SELECT id, user_id, photo_id, kind, created_at, read_at
		FROM notifications
		WHERE user_id = $1 AND (NOT $2 OR read_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// MarkNotificationRead sets read_at on a user's notification.
func (r *NotificationRepository) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	res, err := r.pool.X().ExecContext(ctx,
		"UPDATE notifications SET read_at = COALESCE(read_at, NOW()) WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
