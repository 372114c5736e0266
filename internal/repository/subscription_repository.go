package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/extension-api/internal/models"
)

// SubscriptionRepository persists item watchers and the notification queue.
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository constructs the repository.
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Upsert stores a subscription, raising the access level when the row
// already exists. One row per (item, user).
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.LastSeenAt = now
	const query = `INSERT INTO subscriptions (id, item_id, request_id, user_id, access, last_seen_at, created_at)
	VALUES (:id, :item_id, :request_id, :user_id, :access, :last_seen_at, :created_at)
	ON CONFLICT (item_id, user_id) DO UPDATE SET access = EXCLUDED.access, last_seen_at = EXCLUDED.last_seen_at`
	if _, err := r.db.NamedExecContext(ctx, query, sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// ListByRequest returns every watcher across a request's items.
func (r *SubscriptionRepository) ListByRequest(ctx context.Context, requestID string) ([]models.Subscription, error) {
	const query = `SELECT id, item_id, request_id, user_id, access, last_seen_at, created_at
	FROM subscriptions WHERE request_id = $1 ORDER BY created_at ASC`
	var subs []models.Subscription
	if err := r.db.SelectContext(ctx, &subs, query, requestID); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// ListByItem returns watchers of a single item.
func (r *SubscriptionRepository) ListByItem(ctx context.Context, itemID string) ([]models.Subscription, error) {
	const query = `SELECT id, item_id, request_id, user_id, access, last_seen_at, created_at
	FROM subscriptions WHERE item_id = $1 ORDER BY created_at ASC`
	var subs []models.Subscription
	if err := r.db.SelectContext(ctx, &subs, query, itemID); err != nil {
		return nil, fmt.Errorf("list item subscriptions: %w", err)
	}
	return subs, nil
}

// Delete removes one watcher from an item.
func (r *SubscriptionRepository) Delete(ctx context.Context, itemID, userID string) error {
	const query = `DELETE FROM subscriptions WHERE item_id = $1 AND user_id = $2`
	if _, err := r.db.ExecContext(ctx, query, itemID, userID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// Enqueue stores a notification for the next digest run.
func (r *SubscriptionRepository) Enqueue(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Status == "" {
		n.Status = models.NotificationQueued
	}
	const query = `INSERT INTO notifications (id, recipient_id, request_id, subject, content, status, created_at, sent_at)
	VALUES (:id, :recipient_id, :request_id, :subject, :content, :status, :created_at, :sent_at)`
	if _, err := r.db.NamedExecContext(ctx, query, n); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// ListQueued returns pending notifications, oldest first.
func (r *SubscriptionRepository) ListQueued(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id, recipient_id, request_id, subject, content, status, created_at, sent_at
	FROM notifications WHERE status = $1 ORDER BY created_at ASC LIMIT %d`, limit)
	var queued []models.Notification
	if err := r.db.SelectContext(ctx, &queued, query, models.NotificationQueued); err != nil {
		return nil, fmt.Errorf("list queued notifications: %w", err)
	}
	return queued, nil
}

// MarkSent flags a notification as delivered.
func (r *SubscriptionRepository) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	const query = `UPDATE notifications SET status = $2, sent_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.NotificationSent, sentAt); err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

// PurgeSentBefore removes delivered notifications older than the cutoff and
// returns the number removed.
func (r *SubscriptionRepository) PurgeSentBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `DELETE FROM notifications WHERE status = $1 AND sent_at < $2`
	result, err := r.db.ExecContext(ctx, query, models.NotificationSent, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge notifications: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check purge rows: %w", err)
	}
	return int(rows), nil
}
