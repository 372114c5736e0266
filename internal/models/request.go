package models

import "time"

// Request is a user-initiated extension request spanning one or more
// course activities.
type Request struct {
	ID             string     `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"userId"`
	Message        string     `db:"message" json:"message"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	LastModifiedAt time.Time  `db:"last_modified_at" json:"lastModifiedAt"`
	LastModifiedBy *string    `db:"last_modified_by" json:"lastModifiedBy,omitempty"`
}

// RequestItem is the extension state for one (request, activity) pair.
// Length holds the requested extension in seconds past the original due
// date; LengthPrev keeps the previously approved length while a
// modification is pending so a reopen can restore it.
type RequestItem struct {
	ID         string     `db:"id" json:"id"`
	RequestID  string     `db:"request_id" json:"requestId"`
	ActivityID string     `db:"activity_id" json:"activityId"`
	DataType   string     `db:"data_type" json:"dataType"`
	State      ItemState  `db:"state" json:"state"`
	DueDate    *time.Time `db:"due_date" json:"dueDate,omitempty"`
	Length     int64      `db:"length" json:"length"`
	LengthPrev int64      `db:"length_prev" json:"lengthPrev"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updatedAt"`
}

// Comment is a discussion entry attached to a request.
type Comment struct {
	ID        string    `db:"id" json:"id"`
	RequestID string    `db:"request_id" json:"requestId"`
	UserID    string    `db:"user_id" json:"userId"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Attachment references a stored file supporting a request. FileHash is the
// content address produced by the attachment store; the core never handles
// raw paths.
type Attachment struct {
	ID        string    `db:"id" json:"id"`
	RequestID string    `db:"request_id" json:"requestId"`
	UserID    string    `db:"user_id" json:"userId"`
	Filename  string    `db:"filename" json:"filename"`
	MimeType  string    `db:"mime_type" json:"mimeType"`
	SizeBytes int64     `db:"size_bytes" json:"sizeBytes"`
	FileHash  string    `db:"file_hash" json:"fileHash"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// RequestAggregate is the fully loaded object graph for one request. It is
// the unit of caching: any mutation invalidates the cached aggregate.
type RequestAggregate struct {
	Request       Request        `json:"request"`
	Items         []RequestItem  `json:"items"`
	Comments      []Comment      `json:"comments"`
	Attachments   []Attachment   `json:"attachments"`
	Subscriptions []Subscription `json:"subscriptions"`
	History       []HistoryEntry `json:"history"`
}

// Item returns the aggregate item with the given id, or nil.
func (a *RequestAggregate) Item(itemID string) *RequestItem {
	for i := range a.Items {
		if a.Items[i].ID == itemID {
			return &a.Items[i]
		}
	}
	return nil
}

// HasOpenItems reports whether any item still awaits resolution.
func (a *RequestAggregate) HasOpenItems() bool {
	for i := range a.Items {
		if a.Items[i].State.IsOpen() {
			return true
		}
	}
	return false
}

// RequestFilter constrains request listing queries.
type RequestFilter struct {
	UserID    string
	States    []ItemState
	DataType  string
	CreatedTo *time.Time
	Limit     int
	Offset    int
}
