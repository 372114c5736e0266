package models

import "time"

// HistoryEntry is an immutable audit record of a state transition or
// comment/attachment event on a request item. Entries are append-only and
// only removed by cascading delete of the owning request.
type HistoryEntry struct {
	ID        string    `db:"id" json:"id"`
	RequestID string    `db:"request_id" json:"requestId"`
	ItemID    string    `db:"item_id" json:"itemId"`
	State     ItemState `db:"state" json:"state"`
	ActorID   string    `db:"actor_id" json:"actorId"`
	Message   string    `db:"message" json:"message"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
