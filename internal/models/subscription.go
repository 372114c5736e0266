package models

import "time"

// SubscriptionAccess is the access level a watcher holds on an item,
// derived from role and rule evaluation.
type SubscriptionAccess string

const (
	AccessView    SubscriptionAccess = "VIEW"
	AccessApprove SubscriptionAccess = "APPROVE"
	AccessForce   SubscriptionAccess = "FORCE"
)

// Subscription records that a user watches a request item for notifications.
type Subscription struct {
	ID         string             `db:"id" json:"id"`
	ItemID     string             `db:"item_id" json:"itemId"`
	RequestID  string             `db:"request_id" json:"requestId"`
	UserID     string             `db:"user_id" json:"userId"`
	Access     SubscriptionAccess `db:"access" json:"access"`
	LastSeenAt time.Time          `db:"last_seen_at" json:"lastSeenAt"`
	CreatedAt  time.Time          `db:"created_at" json:"createdAt"`
}

// NotificationStatus tracks queued digest messages.
type NotificationStatus string

const (
	NotificationQueued NotificationStatus = "QUEUED"
	NotificationSent   NotificationStatus = "SENT"
)

// Notification is a queued message awaiting digest delivery.
type Notification struct {
	ID          string             `db:"id" json:"id"`
	RecipientID string             `db:"recipient_id" json:"recipientId"`
	RequestID   string             `db:"request_id" json:"requestId"`
	Subject     string             `db:"subject" json:"subject"`
	Content     string             `db:"content" json:"content"`
	Status      NotificationStatus `db:"status" json:"status"`
	CreatedAt   time.Time          `db:"created_at" json:"createdAt"`
	SentAt      *time.Time         `db:"sent_at" json:"sentAt,omitempty"`
}
