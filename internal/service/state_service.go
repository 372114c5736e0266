package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
)

type stateRequestStore interface {
	GetByID(ctx context.Context, id string) (*models.Request, error)
	GetItem(ctx context.Context, itemID string) (*models.RequestItem, error)
	UpdateItemState(ctx context.Context, itemID string, prev, next models.ItemState) error
	UpdateItemLength(ctx context.Context, itemID string, length, lengthPrev int64, state models.ItemState) error
	RestoreItemLength(ctx context.Context, itemID string) error
	TouchLastModified(ctx context.Context, requestID, actorID string, ts time.Time) error
}

type stateHistoryStore interface {
	Append(ctx context.Context, entry *models.HistoryEntry) error
}

type stateActivityReader interface {
	GetByID(ctx context.Context, id string) (*models.Activity, error)
}

type aggregateInvalidator interface {
	InvalidateRequest(ctx context.Context, requestID string) error
}

type stateChangeNotifier interface {
	NotifyStateChange(ctx context.Context, item *models.RequestItem, next models.ItemState, actorID, message string) error
}

type transitionRecorder interface {
	RecordTransition(from, to models.ItemState)
}

type itemAccessResolver interface {
	AccessFor(ctx context.Context, user *models.JWTClaims, item models.RequestItem, ownerID string) (models.ItemAccess, error)
}

// StateService drives request items through the workflow state machine.
type StateService struct {
	requests  stateRequestStore
	history   stateHistoryStore
	activity  stateActivityReader
	handlers  *HandlerRegistry
	cache     aggregateInvalidator
	notifier  stateChangeNotifier
	metrics   transitionRecorder
	access    itemAccessResolver
	logger    *zap.Logger

	// One lock per request so two transitions on the same request are
	// serialised within this process. The guarded UPDATE covers races
	// across processes.
	locks sync.Map
}

// NewStateService constructs a StateService.
func NewStateService(requests stateRequestStore, history stateHistoryStore, activity stateActivityReader, handlers *HandlerRegistry, cache aggregateInvalidator, notifier stateChangeNotifier, metrics transitionRecorder, logger *zap.Logger) *StateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateService{
		requests: requests,
		history:  history,
		activity: activity,
		handlers: handlers,
		cache:    cache,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
	}
}

// SetAccessResolver wires the rule engine in for transition authority. The
// rule engine is constructed after this service, so it is wired in here.
func (s *StateService) SetAccessResolver(access itemAccessResolver) {
	s.access = access
}

func (s *StateService) lockRequest(requestID string) func() {
	value, _ := s.locks.LoadOrStore(requestID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// UpdateItemState validates and performs one transition. An illegal
// transition is rejected before any side effect runs. Approval only commits
// once the activity handler accepted the extension; cancel and deny withdraw
// any applied extension first.
func (s *StateService) UpdateItemState(ctx context.Context, itemID string, next models.ItemState, actor *models.JWTClaims, comment string) (*models.RequestItem, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !next.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown state %q", next))
	}

	item, err := s.requests.GetItem(ctx, itemID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request item not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
	}

	unlock := s.lockRequest(item.RequestID)
	defer unlock()

	// Re-read under the lock so we validate against the current state.
	item, err = s.requests.GetItem(ctx, itemID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
	}

	// A matching APPROVE rule grants approve and deny only; FORCEAPPROVE and
	// the force-status claim unlock the full privileged set.
	privileged := actor.ForceStatus || actor.Role == models.RoleAdmin
	if s.access != nil {
		request, err := s.requests.GetByID(ctx, item.RequestID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load request")
		}
		access, err := s.access.AccessFor(ctx, actor, *item, request.UserID)
		if err != nil {
			return nil, err
		}
		privileged = access.Force ||
			(access.CanApprove && (next == models.StateApproved || next == models.StateDenied))
	}
	if !models.CanTransition(item.State, next, privileged) {
		return nil, appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("cannot move item from %s to %s", item.State, next))
	}

	activity, err := s.activity.GetByID(ctx, item.ActivityID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load activity")
	}
	handler, ok := s.handlers.ForDataType(item.DataType)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed,
			fmt.Sprintf("no handler for activity type %s", item.DataType))
	}

	prev := item.State
	switch next {
	case models.StateApproved:
		if err := handler.SubmitExtension(ctx, *item, *activity); err != nil {
			s.logger.Warn("handler rejected extension",
				zap.String("item_id", item.ID),
				zap.String("handler", handler.Name()),
				zap.Error(err))
			return nil, err
		}
	case models.StateCancelled, models.StateDenied:
		if err := handler.CancelExtension(ctx, *item, *activity); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to withdraw extension")
		}
	case models.StateReopened:
		// Withdrawing a pending modification restores the last length
		// that was actually approved.
		if prev == models.StateModified {
			if err := s.requests.RestoreItemLength(ctx, item.ID); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to restore length")
			}
		}
	}

	if err := s.requests.UpdateItemState(ctx, item.ID, prev, next); err != nil {
		if err == sql.ErrNoRows {
			// The guarded update lost a cross-process race. An extension
			// already handed to the activity must be taken back.
			if next == models.StateApproved {
				if cerr := handler.CancelExtension(ctx, *item, *activity); cerr != nil {
					s.logger.Warn("failed to withdraw extension after lost update",
						zap.String("item_id", item.ID), zap.Error(cerr))
				}
			}
			return nil, appErrors.Clone(appErrors.ErrConflict, "item was changed by another transition")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update item state")
	}

	now := time.Now().UTC()
	message := comment
	if message == "" {
		message = fmt.Sprintf("Status changed to %s for %s", next.Label(), handler.RequestData(*item, *activity))
	}
	entry := &models.HistoryEntry{
		RequestID: item.RequestID,
		ItemID:    item.ID,
		State:     next,
		ActorID:   actor.UserID,
		Message:   message,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to append history")
	}
	if err := s.requests.TouchLastModified(ctx, item.RequestID, actor.UserID, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
	}
	if s.cache != nil {
		if err := s.cache.InvalidateRequest(ctx, item.RequestID); err != nil {
			s.logger.Warn("failed to invalidate aggregate cache", zap.String("request_id", item.RequestID), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.RecordTransition(prev, next)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyStateChange(ctx, item, next, actor.UserID, message); err != nil {
			s.logger.Warn("failed to notify watchers", zap.String("item_id", item.ID), zap.Error(err))
		}
	}

	item.State = next
	item.UpdatedAt = now
	s.logger.Info("item state changed",
		zap.String("item_id", item.ID),
		zap.String("request_id", item.RequestID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("actor", actor.UserID))
	return item, nil
}

// ModifyLength changes the requested length of an item. Changing the length
// of an approved item demotes it to MODIFIED and keeps the approved length
// for a later restore.
func (s *StateService) ModifyLength(ctx context.Context, itemID string, length int64, actor *models.JWTClaims, comment string) (*models.RequestItem, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if length <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "length must be positive")
	}

	item, err := s.requests.GetItem(ctx, itemID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "request item not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
	}

	unlock := s.lockRequest(item.RequestID)
	defer unlock()

	item, err = s.requests.GetItem(ctx, itemID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load item")
	}
	if length == item.Length {
		return item, nil
	}

	var nextState models.ItemState
	var lengthPrev int64
	switch {
	case item.State == models.StateApproved:
		nextState = models.StateModified
		lengthPrev = item.Length
	case item.State.CanModifyLength():
		nextState = item.State
		lengthPrev = item.LengthPrev
	default:
		return nil, appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("cannot modify length while item is %s", item.State))
	}

	if err := s.requests.UpdateItemLength(ctx, item.ID, length, lengthPrev, nextState); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update length")
	}

	message := comment
	if message == "" {
		message = fmt.Sprintf("Requested length changed to %s", (time.Duration(length) * time.Second).String())
	}
	entry := &models.HistoryEntry{
		RequestID: item.RequestID,
		ItemID:    item.ID,
		State:     nextState,
		ActorID:   actor.UserID,
		Message:   message,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to append history")
	}
	if err := s.requests.TouchLastModified(ctx, item.RequestID, actor.UserID, time.Now().UTC()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
	}
	if s.cache != nil {
		if err := s.cache.InvalidateRequest(ctx, item.RequestID); err != nil {
			s.logger.Warn("failed to invalidate aggregate cache", zap.String("request_id", item.RequestID), zap.Error(err))
		}
	}
	if s.metrics != nil && nextState != item.State {
		s.metrics.RecordTransition(item.State, nextState)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyStateChange(ctx, item, nextState, actor.UserID, message); err != nil {
			s.logger.Warn("failed to notify watchers", zap.String("item_id", item.ID), zap.Error(err))
		}
	}

	item.LengthPrev = lengthPrev
	item.Length = length
	item.State = nextState
	return item, nil
}
