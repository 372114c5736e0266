package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/extension-api/internal/dto"
	"github.com/noah-isme/extension-api/internal/models"
	"github.com/noah-isme/extension-api/pkg/config"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
	"github.com/noah-isme/extension-api/pkg/storage"
)

type requestStore interface {
	Create(ctx context.Context, request *models.Request, items []models.RequestItem) error
	GetByID(ctx context.Context, id string) (*models.Request, error)
	ListItems(ctx context.Context, requestID string) ([]models.RequestItem, error)
	List(ctx context.Context, filter models.RequestFilter) ([]models.Request, int, error)
	TouchLastModified(ctx context.Context, requestID, actorID string, ts time.Time) error
}

type commentStore interface {
	CreateComment(ctx context.Context, comment *models.Comment) error
	ListComments(ctx context.Context, requestID string) ([]models.Comment, error)
	CreateAttachment(ctx context.Context, attachment *models.Attachment) error
	ListAttachments(ctx context.Context, requestID string) ([]models.Attachment, error)
}

type historyReader interface {
	Append(ctx context.Context, entry *models.HistoryEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]models.HistoryEntry, error)
}

type subscriptionStore interface {
	Upsert(ctx context.Context, sub *models.Subscription) error
	ListByRequest(ctx context.Context, requestID string) ([]models.Subscription, error)
	Enqueue(ctx context.Context, n *models.Notification) error
}

type aggregateCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type candidateActivityReader interface {
	GetByID(ctx context.Context, id string) (*models.Activity, error)
	ListEventsInWindow(ctx context.Context, userID string, from, until time.Time) ([]models.CandidateEvent, error)
}

type attachmentBlobStore interface {
	Save(key storage.FileKey, data []byte) (string, error)
}

type cacheRecorder interface {
	RecordCacheOperation(hit bool, duration time.Duration)
}

type accessResolver interface {
	AccessFor(ctx context.Context, user *models.JWTClaims, item models.RequestItem, ownerID string) (models.ItemAccess, error)
}

func aggregateCacheKey(requestID string) string {
	return "request:aggregate:" + requestID
}

// RequestService owns the request aggregate: creation, cached loads,
// comments, attachments and notification fan-out.
type RequestService struct {
	requests      requestStore
	comments      commentStore
	history       historyReader
	subscriptions subscriptionStore
	activities    candidateActivityReader
	handlers      *HandlerRegistry
	cache         aggregateCache
	blobs         attachmentBlobStore
	access        accessResolver
	metrics       cacheRecorder
	validate      *validator.Validate
	logger        *zap.Logger
	cfg           config.ExtensionConfig
}

// NewRequestService constructs a RequestService.
func NewRequestService(requests requestStore, comments commentStore, history historyReader, subscriptions subscriptionStore, activities candidateActivityReader, handlers *HandlerRegistry, cache aggregateCache, blobs attachmentBlobStore, access accessResolver, metrics cacheRecorder, cfg config.ExtensionConfig, logger *zap.Logger) *RequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &RequestService{
		requests:      requests,
		comments:      comments,
		history:       history,
		subscriptions: subscriptions,
		activities:    activities,
		handlers:      handlers,
		cache:         cache,
		blobs:         blobs,
		access:        access,
		metrics:       metrics,
		validate:      validator.New(),
		cfg:           cfg,
		logger:        logger,
	}
}

// SetAccessResolver installs the resolver used to project per-item actions.
// The rule engine is constructed after this service, so it is wired in here.
func (s *RequestService) SetAccessResolver(access accessResolver) {
	s.access = access
}

// Candidates lists the deadline events a user may request an extension for,
// inside the configured search window around now.
func (s *RequestService) Candidates(ctx context.Context, userID string, now time.Time) ([]models.CandidateEvent, error) {
	from := now.Add(-s.cfg.SearchBackward)
	until := now.Add(s.cfg.SearchForward)
	events, err := s.activities.ListEventsInWindow(ctx, userID, from, until)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list candidate events")
	}

	candidates := make([]models.CandidateEvent, 0, len(events))
	for _, candidate := range events {
		handler, ok := s.handlers.ForDataType(candidate.Activity.DataType)
		if !ok {
			continue
		}
		if handler.IsCandidate(candidate.Event, candidate.Activity) {
			candidates = append(candidates, candidate)
		}
	}
	return candidates, nil
}

// Create opens a new request. Every item must reference an activity whose
// handler claims it, and requested lengths are bounded by configuration.
func (s *RequestService) Create(ctx context.Context, actor *models.JWTClaims, req dto.CreateRequestRequest) (*models.Request, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid request payload")
	}

	items := make([]models.RequestItem, 0, len(req.Items))
	for _, in := range req.Items {
		if max := int64(s.cfg.MaximumLength / time.Second); max > 0 && in.Length > max {
			return nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("requested length exceeds the maximum of %s", s.cfg.MaximumLength))
		}
		activity, err := s.activities.GetByID(ctx, in.ActivityID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("activity %s not found", in.ActivityID))
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity")
		}
		if _, ok := s.handlers.ForDataType(activity.DataType); !ok {
			return nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("activity type %s does not accept extension requests", activity.DataType))
		}
		if activity.DueDate != nil && s.cfg.MinimumNotice > 0 {
			if time.Until(*activity.DueDate) < s.cfg.MinimumNotice {
				return nil, appErrors.Clone(appErrors.ErrPreconditionFailed,
					fmt.Sprintf("requests for %s must be made at least %s before the deadline", activity.Name, s.cfg.MinimumNotice))
			}
		}
		items = append(items, models.RequestItem{
			ActivityID: activity.ID,
			DataType:   activity.DataType,
			State:      models.StateNew,
			DueDate:    activity.DueDate,
			Length:     in.Length,
		})
	}

	request := &models.Request{UserID: actor.UserID, Message: req.Message}
	if err := s.requests.Create(ctx, request, items); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create request")
	}

	for _, item := range items {
		sub := &models.Subscription{
			ItemID:    item.ID,
			RequestID: request.ID,
			UserID:    actor.UserID,
			Access:    models.AccessView,
		}
		if err := s.subscriptions.Upsert(ctx, sub); err != nil {
			s.logger.Warn("failed to subscribe requester", zap.String("item_id", item.ID), zap.Error(err))
		}
		entry := &models.HistoryEntry{
			RequestID: request.ID,
			ItemID:    item.ID,
			State:     models.StateNew,
			ActorID:   actor.UserID,
			Message:   "Extension requested",
		}
		if err := s.history.Append(ctx, entry); err != nil {
			s.logger.Warn("failed to append creation history", zap.String("item_id", item.ID), zap.Error(err))
		}
	}

	s.logger.Info("request created",
		zap.String("request_id", request.ID),
		zap.String("user_id", actor.UserID),
		zap.Int("items", len(items)))
	return request, nil
}

// GetAggregate loads the full object graph for a request, serving from the
// cache when possible.
func (s *RequestService) GetAggregate(ctx context.Context, requestID string) (*models.RequestAggregate, error) {
	key := aggregateCacheKey(requestID)
	if s.cache != nil {
		started := time.Now()
		var cached models.RequestAggregate
		err := s.cache.Get(ctx, key, &cached)
		if s.metrics != nil {
			s.metrics.RecordCacheOperation(err == nil, time.Since(started))
		}
		if err == nil {
			return &cached, nil
		}
		if appErrors.FromError(err).Code != appErrors.ErrCacheMiss.Code {
			s.logger.Warn("aggregate cache read failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	request, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}
	items, err := s.requests.ListItems(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load items")
	}
	comments, err := s.comments.ListComments(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load comments")
	}
	attachments, err := s.comments.ListAttachments(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load attachments")
	}
	subscriptions, err := s.subscriptions.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscriptions")
	}
	history, err := s.history.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load history")
	}

	aggregate := &models.RequestAggregate{
		Request:       *request,
		Items:         items,
		Comments:      comments,
		Attachments:   attachments,
		Subscriptions: subscriptions,
		History:       history,
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, aggregate, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("aggregate cache write failed", zap.String("request_id", requestID), zap.Error(err))
		}
	}
	return aggregate, nil
}

// Detail projects an aggregate into the API view, decorating each item with
// the actions visible to the caller.
func (s *RequestService) Detail(ctx context.Context, requestID string, actor *models.JWTClaims) (*dto.RequestDetailResponse, error) {
	aggregate, err := s.GetAggregate(ctx, requestID)
	if err != nil {
		return nil, err
	}

	views := make([]dto.ItemStateView, 0, len(aggregate.Items))
	for _, item := range aggregate.Items {
		access, err := s.access.AccessFor(ctx, actor, item, aggregate.Request.UserID)
		if err != nil {
			return nil, err
		}
		views = append(views, dto.ItemStateView{
			Item:    item,
			Actions: models.VisibleActions(item.State, access),
		})
	}
	return &dto.RequestDetailResponse{
		Request:     aggregate.Request,
		Items:       views,
		Comments:    aggregate.Comments,
		Attachments: aggregate.Attachments,
		History:     aggregate.History,
	}, nil
}

// List returns request summaries matching the query.
func (s *RequestService) List(ctx context.Context, query dto.RequestQuery) ([]dto.RequestSummary, models.Pagination, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	filter := models.RequestFilter{
		UserID:    query.UserID,
		States:    query.States,
		DataType:  query.DataType,
		CreatedTo: query.CreatedTo,
		Limit:     limit,
		Offset:    (page - 1) * limit,
	}

	requests, total, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, models.Pagination{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}

	summaries := make([]dto.RequestSummary, 0, len(requests))
	for _, request := range requests {
		items, err := s.requests.ListItems(ctx, request.ID)
		if err != nil {
			return nil, models.Pagination{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load items")
		}
		open := 0
		for _, item := range items {
			if item.State.IsOpen() {
				open++
			}
		}
		summaries = append(summaries, dto.RequestSummary{
			ID:             request.ID,
			UserID:         request.UserID,
			Message:        request.Message,
			ItemCount:      len(items),
			OpenItems:      open,
			CreatedAt:      request.CreatedAt,
			LastModifiedAt: request.LastModifiedAt,
		})
	}
	return summaries, models.NewPagination(page, limit, total), nil
}

// AddComment posts a comment, bumps the request stamp and fans out to
// watchers.
func (s *RequestService) AddComment(ctx context.Context, requestID string, actor *models.JWTClaims, body string) (*models.Comment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if body == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "comment body is required")
	}
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}

	comment := &models.Comment{RequestID: requestID, UserID: actor.UserID, Body: body}
	if err := s.comments.CreateComment(ctx, comment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create comment")
	}
	if err := s.requests.TouchLastModified(ctx, requestID, actor.UserID, time.Now().UTC()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
	}
	if err := s.InvalidateRequest(ctx, requestID); err != nil {
		s.logger.Warn("failed to invalidate aggregate cache", zap.String("request_id", requestID), zap.Error(err))
	}
	if err := s.fanOut(ctx, requestID, actor.UserID, "New comment on extension request", body); err != nil {
		s.logger.Warn("failed to notify watchers about comment", zap.String("request_id", requestID), zap.Error(err))
	}
	return comment, nil
}

// AddAttachment stores a supporting file and its metadata.
func (s *RequestService) AddAttachment(ctx context.Context, requestID string, actor *models.JWTClaims, filename, mimeType string, data []byte) (*models.Attachment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if len(data) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "attachment is empty")
	}
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
	}

	key := storage.FileKey{
		ContextID: requestID,
		Component: "extension",
		FileArea:  "attachments",
		ItemID:    actor.UserID,
		Filename:  filename,
	}
	hash, err := s.blobs.Save(key, data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store attachment")
	}

	attachment := &models.Attachment{
		RequestID: requestID,
		UserID:    actor.UserID,
		Filename:  filename,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		FileHash:  hash,
	}
	if err := s.comments.CreateAttachment(ctx, attachment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record attachment")
	}
	if err := s.requests.TouchLastModified(ctx, requestID, actor.UserID, time.Now().UTC()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
	}
	if err := s.InvalidateRequest(ctx, requestID); err != nil {
		s.logger.Warn("failed to invalidate aggregate cache", zap.String("request_id", requestID), zap.Error(err))
	}
	return attachment, nil
}

// InvalidateRequest drops the cached aggregate for a request.
func (s *RequestService) InvalidateRequest(ctx context.Context, requestID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, aggregateCacheKey(requestID))
}

// NotifyStateChange queues a notification for every watcher of the item's
// request except the actor themselves.
func (s *RequestService) NotifyStateChange(ctx context.Context, item *models.RequestItem, next models.ItemState, actorID, message string) error {
	subject := fmt.Sprintf("Extension request %s", next.Label())
	return s.fanOutExcept(ctx, item.RequestID, actorID, subject, message)
}

func (s *RequestService) fanOut(ctx context.Context, requestID, actorID, subject, content string) error {
	return s.fanOutExcept(ctx, requestID, actorID, subject, content)
}

func (s *RequestService) fanOutExcept(ctx context.Context, requestID, actorID, subject, content string) error {
	subs, err := s.subscriptions.ListByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("list watchers: %w", err)
	}
	notified := make(map[string]bool, len(subs))
	for _, sub := range subs {
		if sub.UserID == actorID || notified[sub.UserID] {
			continue
		}
		notified[sub.UserID] = true
		notification := &models.Notification{
			RecipientID: sub.UserID,
			RequestID:   requestID,
			Subject:     subject,
			Content:     content,
		}
		if err := s.subscriptions.Enqueue(ctx, notification); err != nil {
			return fmt.Errorf("queue notification: %w", err)
		}
	}
	return nil
}
