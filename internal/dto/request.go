package dto

import (
	"time"

	"github.com/noah-isme/extension-api/internal/models"
)

// CreateRequestItem selects one candidate activity and the extension length
// being asked for, in seconds past the due date.
type CreateRequestItem struct {
	ActivityID string `json:"activityId" validate:"required"`
	Length     int64  `json:"length" validate:"required,gt=0"`
}

// CreateRequestRequest payload for opening an extension request.
type CreateRequestRequest struct {
	Message string              `json:"message"`
	Items   []CreateRequestItem `json:"items" validate:"required,min=1,dive"`
}

// UpdateStateRequest payload for moving one item to a new state.
type UpdateStateRequest struct {
	State   models.ItemState `json:"state"`
	Comment string           `json:"comment"`
}

// ModifyLengthRequest payload for changing the requested length of an item.
type ModifyLengthRequest struct {
	Length  int64  `json:"length"`
	Comment string `json:"comment"`
}

// AddCommentRequest payload for posting a discussion comment.
type AddCommentRequest struct {
	Body string `json:"body"`
}

// RequestQuery mirrors supported listing filters.
type RequestQuery struct {
	UserID    string
	States    []models.ItemState
	DataType  string
	CreatedTo *time.Time
	Page      int
	Limit     int
}

// RequestSummary is the list-view projection of a request.
type RequestSummary struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Message        string    `json:"message"`
	ItemCount      int       `json:"itemCount"`
	OpenItems      int       `json:"openItems"`
	CreatedAt      time.Time `json:"createdAt"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// ItemStateView decorates an item with the actions the caller may take.
type ItemStateView struct {
	Item    models.RequestItem `json:"item"`
	Actions []models.ItemState `json:"actions"`
}

// RequestDetailResponse is the full aggregate plus per-item allowed actions.
type RequestDetailResponse struct {
	Request     models.Request        `json:"request"`
	Items       []ItemStateView       `json:"items"`
	Comments    []models.Comment      `json:"comments"`
	Attachments []models.Attachment   `json:"attachments"`
	History     []models.HistoryEntry `json:"history"`
}

// CandidateResponse lists activities eligible for a new request.
type CandidateResponse struct {
	Candidates []models.CandidateEvent `json:"candidates"`
}
