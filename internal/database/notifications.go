package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification is one row of the platform's notifications table
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // like, comment, follow, mention, circle_invite, post_published
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RelatedID *string   `json:"relatedId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	IsRead    bool      `json:"isRead"`
}

// NotificationStore reads notification state for event streams
type NotificationStore struct {
	pool *pgxpool.Pool
}

// NewNotificationStore creates a notification store backed by a pgx pool
func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

// CountUnread returns the number of unread notifications for a subject
func (s *NotificationStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND is_read = false
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// ListRecentUnread returns up to limit unread notifications, newest first
func (s *NotificationStore) ListRecentUnread(ctx context.Context, userID string, limit int) ([]Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, title, message, related_id, created_at, is_read
		FROM notifications
		WHERE user_id = $1 AND is_read = false
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent unread notifications: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

// ListCreatedSince returns notifications created after the given time, oldest first
func (s *NotificationStore) ListCreatedSince(ctx context.Context, userID string, since time.Time) ([]Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, title, message, related_id, created_at, is_read
		FROM notifications
		WHERE user_id = $1 AND created_at > $2
		ORDER BY created_at ASC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list notifications since: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

func scanNotifications(rows pgx.Rows) ([]Notification, error) {
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message, &n.RelatedID, &n.CreatedAt, &n.IsRead); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}
