package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/extension-api/internal/dto"
	"github.com/noah-isme/extension-api/internal/models"
	"github.com/noah-isme/extension-api/pkg/config"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
	"github.com/noah-isme/extension-api/pkg/storage"
)

type aggregateStoreStub struct {
	requests map[string]*models.Request
	items    map[string][]models.RequestItem
	created  int
	touched  []string
}

func (s *aggregateStoreStub) Create(ctx context.Context, request *models.Request, items []models.RequestItem) error {
	request.ID = "req-new"
	request.CreatedAt = time.Now().UTC()
	for i := range items {
		items[i].ID = "item-new"
		items[i].RequestID = request.ID
	}
	if s.requests == nil {
		s.requests = map[string]*models.Request{}
		s.items = map[string][]models.RequestItem{}
	}
	s.requests[request.ID] = request
	s.items[request.ID] = items
	s.created++
	return nil
}

func (s *aggregateStoreStub) GetByID(ctx context.Context, id string) (*models.Request, error) {
	request, ok := s.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return request, nil
}

func (s *aggregateStoreStub) ListItems(ctx context.Context, requestID string) ([]models.RequestItem, error) {
	return s.items[requestID], nil
}

func (s *aggregateStoreStub) List(ctx context.Context, filter models.RequestFilter) ([]models.Request, int, error) {
	result := make([]models.Request, 0, len(s.requests))
	for _, request := range s.requests {
		result = append(result, *request)
	}
	return result, len(result), nil
}

func (s *aggregateStoreStub) TouchLastModified(ctx context.Context, requestID, actorID string, ts time.Time) error {
	s.touched = append(s.touched, requestID)
	return nil
}

type commentStoreStub struct {
	comments    []*models.Comment
	attachments []*models.Attachment
}

func (s *commentStoreStub) CreateComment(ctx context.Context, comment *models.Comment) error {
	comment.ID = "comment-new"
	s.comments = append(s.comments, comment)
	return nil
}

func (s *commentStoreStub) ListComments(ctx context.Context, requestID string) ([]models.Comment, error) {
	result := make([]models.Comment, 0, len(s.comments))
	for _, c := range s.comments {
		if c.RequestID == requestID {
			result = append(result, *c)
		}
	}
	return result, nil
}

func (s *commentStoreStub) CreateAttachment(ctx context.Context, attachment *models.Attachment) error {
	attachment.ID = "attachment-new"
	s.attachments = append(s.attachments, attachment)
	return nil
}

func (s *commentStoreStub) ListAttachments(ctx context.Context, requestID string) ([]models.Attachment, error) {
	result := make([]models.Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		if a.RequestID == requestID {
			result = append(result, *a)
		}
	}
	return result, nil
}

type fullHistoryStub struct {
	historyStub
}

func (s *fullHistoryStub) ListByRequest(ctx context.Context, requestID string) ([]models.HistoryEntry, error) {
	result := make([]models.HistoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.RequestID == requestID {
			result = append(result, *e)
		}
	}
	return result, nil
}

type subscriptionStoreStub struct {
	subscriberStub
}

func (s *subscriptionStoreStub) ListByRequest(ctx context.Context, requestID string) ([]models.Subscription, error) {
	result := make([]models.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.RequestID == requestID {
			result = append(result, *sub)
		}
	}
	return result, nil
}

type cacheStub struct {
	data    map[string][]byte
	hits    int
	deletes []string
}

func (s *cacheStub) Get(ctx context.Context, key string, dest interface{}) error {
	return appErrors.ErrCacheMiss
}

func (s *cacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if s.data == nil {
		s.data = map[string][]byte{}
	}
	s.data[key] = []byte("set")
	return nil
}

func (s *cacheStub) Delete(ctx context.Context, key string) error {
	s.deletes = append(s.deletes, key)
	delete(s.data, key)
	return nil
}

type candidateActivityStub struct {
	activityReaderStub
	events []models.CandidateEvent
}

func (s *candidateActivityStub) ListEventsInWindow(ctx context.Context, userID string, from, until time.Time) ([]models.CandidateEvent, error) {
	return s.events, nil
}

type blobStoreStub struct {
	saved []string
}

func (s *blobStoreStub) Save(key storage.FileKey, data []byte) (string, error) {
	hash := key.Hash()
	s.saved = append(s.saved, hash)
	return hash, nil
}

type accessResolverStub struct {
	access models.ItemAccess
}

func (s *accessResolverStub) AccessFor(ctx context.Context, user *models.JWTClaims, item models.RequestItem, ownerID string) (models.ItemAccess, error) {
	return s.access, nil
}

func newRequestFixture() (*RequestService, *aggregateStoreStub, *commentStoreStub, *subscriptionStoreStub, *cacheStub, *candidateActivityStub) {
	due := time.Now().UTC().Add(96 * time.Hour)
	store := &aggregateStoreStub{
		requests: map[string]*models.Request{
			"req-1": {ID: "req-1", UserID: "student-1", Message: "flu", CreatedAt: time.Now().UTC()},
		},
		items: map[string][]models.RequestItem{
			"req-1": {{ID: "item-1", RequestID: "req-1", ActivityID: "act-1", DataType: "assignment", State: models.StateNew, Length: 86400}},
		},
	}
	comments := &commentStoreStub{}
	history := &fullHistoryStub{}
	subs := &subscriptionStoreStub{}
	cache := &cacheStub{}
	activities := &candidateActivityStub{
		activityReaderStub: activityReaderStub{activities: map[string]*models.Activity{
			"act-1": {ID: "act-1", Name: "Essay", CourseName: "History", DataType: "assignment", DueDate: &due},
		}},
	}
	handler := &handlerStub{dataType: "assignment"}
	cfg := config.ExtensionConfig{
		CacheTTL:       time.Minute,
		SearchBackward: 24 * time.Hour,
		SearchForward:  14 * 24 * time.Hour,
		MinimumNotice:  24 * time.Hour,
		MaximumLength:  30 * 24 * time.Hour,
	}
	svc := NewRequestService(store, comments, history, subs, activities, NewHandlerRegistry(handler), cache, &blobStoreStub{}, &accessResolverStub{}, nil, cfg, nil)
	return svc, store, comments, subs, cache, activities
}

func studentActor() *models.JWTClaims {
	return &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
}

func TestRequestServiceCreate(t *testing.T) {
	svc, store, _, subs, _, _ := newRequestFixture()

	request, err := svc.Create(context.Background(), studentActor(), dto.CreateRequestRequest{
		Message: "sick last week",
		Items:   []dto.CreateRequestItem{{ActivityID: "act-1", Length: 86400}},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-new", request.ID)
	assert.Equal(t, 1, store.created)
	// Requester watches their own item.
	require.Len(t, subs.subs, 1)
	assert.Equal(t, "student-1", subs.subs[0].UserID)
	assert.Equal(t, models.AccessView, subs.subs[0].Access)
}

func TestRequestServiceCreateValidation(t *testing.T) {
	svc, _, _, _, _, _ := newRequestFixture()

	_, err := svc.Create(context.Background(), studentActor(), dto.CreateRequestRequest{Message: "no items"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.Create(context.Background(), studentActor(), dto.CreateRequestRequest{
		Items: []dto.CreateRequestItem{{ActivityID: "act-1", Length: -5}},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	_, err = svc.Create(context.Background(), studentActor(), dto.CreateRequestRequest{
		Items: []dto.CreateRequestItem{{ActivityID: "missing", Length: 86400}},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceCreateMaximumLength(t *testing.T) {
	svc, _, _, _, _, _ := newRequestFixture()

	_, err := svc.Create(context.Background(), studentActor(), dto.CreateRequestRequest{
		Items: []dto.CreateRequestItem{{ActivityID: "act-1", Length: 365 * 86400}},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceCreateMinimumNotice(t *testing.T) {
	svc, _, _, _, _, activities := newRequestFixture()
	soon := time.Now().UTC().Add(time.Hour)
	activities.activities["act-1"].DueDate = &soon

	_, err := svc.Create(context.Background(), studentActor(), dto.CreateRequestRequest{
		Items: []dto.CreateRequestItem{{ActivityID: "act-1", Length: 86400}},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceGetAggregateCaches(t *testing.T) {
	svc, _, _, _, cache, _ := newRequestFixture()

	aggregate, err := svc.GetAggregate(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", aggregate.Request.ID)
	require.Len(t, aggregate.Items, 1)
	assert.Contains(t, cache.data, aggregateCacheKey("req-1"))
}

func TestRequestServiceGetAggregateNotFound(t *testing.T) {
	svc, _, _, _, _, _ := newRequestFixture()

	_, err := svc.GetAggregate(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceAddCommentInvalidatesAndNotifies(t *testing.T) {
	svc, store, comments, subs, cache, _ := newRequestFixture()
	subs.subs = append(subs.subs,
		&models.Subscription{RequestID: "req-1", ItemID: "item-1", UserID: "student-1"},
		&models.Subscription{RequestID: "req-1", ItemID: "item-1", UserID: "teacher-1"},
	)

	comment, err := svc.AddComment(context.Background(), "req-1", studentActor(), "any update?")
	require.NoError(t, err)
	assert.Equal(t, "comment-new", comment.ID)
	require.Len(t, comments.comments, 1)
	assert.Equal(t, []string{"req-1"}, store.touched)
	assert.Equal(t, []string{aggregateCacheKey("req-1")}, cache.deletes)
	// Only the teacher is notified, not the commenting student.
	require.Len(t, subs.queue, 1)
	assert.Equal(t, "teacher-1", subs.queue[0].RecipientID)
}

func TestRequestServiceAddAttachment(t *testing.T) {
	svc, _, comments, _, _, _ := newRequestFixture()

	attachment, err := svc.AddAttachment(context.Background(), "req-1", studentActor(), "certificate.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "attachment-new", attachment.ID)
	assert.NotEmpty(t, attachment.FileHash)
	assert.Equal(t, int64(8), attachment.SizeBytes)
	require.Len(t, comments.attachments, 1)

	_, err = svc.AddAttachment(context.Background(), "req-1", studentActor(), "empty.txt", "text/plain", nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestRequestServiceCandidatesFiltersByHandler(t *testing.T) {
	svc, _, _, _, _, activities := newRequestFixture()
	now := time.Now().UTC()
	due := now.Add(72 * time.Hour)
	activities.events = []models.CandidateEvent{
		{
			Activity: models.Activity{ID: "act-1", DataType: "assignment", DueDate: &due},
			Event:    models.DueDateEvent{ID: "ev-1", ActivityID: "act-1", EventType: "due", StartAt: due},
		},
		{
			// Wrong event kind for the handler.
			Activity: models.Activity{ID: "act-1", DataType: "assignment", DueDate: &due},
			Event:    models.DueDateEvent{ID: "ev-2", ActivityID: "act-1", EventType: "open", StartAt: due},
		},
		{
			// No handler registered for this type.
			Activity: models.Activity{ID: "act-2", DataType: "workshop", DueDate: &due},
			Event:    models.DueDateEvent{ID: "ev-3", ActivityID: "act-2", EventType: "due", StartAt: due},
		},
	}

	candidates, err := svc.Candidates(context.Background(), "student-1", now)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "ev-1", candidates[0].Event.ID)
}

func TestRequestServiceNotifyStateChangeSkipsActor(t *testing.T) {
	svc, _, _, subs, _, _ := newRequestFixture()
	subs.subs = append(subs.subs,
		&models.Subscription{RequestID: "req-1", ItemID: "item-1", UserID: "approver-1"},
		&models.Subscription{RequestID: "req-1", ItemID: "item-1", UserID: "student-1"},
	)

	item := &models.RequestItem{ID: "item-1", RequestID: "req-1"}
	err := svc.NotifyStateChange(context.Background(), item, models.StateApproved, "approver-1", "granted")
	require.NoError(t, err)
	require.Len(t, subs.queue, 1)
	assert.Equal(t, "student-1", subs.queue[0].RecipientID)
}
