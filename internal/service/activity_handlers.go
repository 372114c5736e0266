package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
)

// ActivityHandler adapts one activity type to the extension workflow. Each
// handler claims the calendar event kind announcing its deadline, applies
// approved extensions as due-date overrides and withdraws them again on
// cancel or deny.
type ActivityHandler interface {
	// Name is the human readable handler name.
	Name() string
	// DataType is the activity type this handler serves.
	DataType() string
	// IsCandidate reports whether the event is the deadline event this
	// handler claims for the activity.
	IsCandidate(event models.DueDateEvent, activity models.Activity) bool
	// RequestData renders the one-line summary shown next to an item.
	RequestData(item models.RequestItem, activity models.Activity) string
	// SubmitExtension applies the approved extension. It must be safe to
	// call twice for the same item.
	SubmitExtension(ctx context.Context, item models.RequestItem, activity models.Activity) error
	// CancelExtension withdraws a previously applied extension. Cancelling
	// an extension that was never applied is not an error.
	CancelExtension(ctx context.Context, item models.RequestItem, activity models.Activity) error
	// Triggers returns the rules scoped to this handler's activity type.
	Triggers(ctx context.Context) ([]models.Rule, error)
}

type handlerOverrideStore interface {
	Upsert(ctx context.Context, override *models.Override) error
	Delete(ctx context.Context, activityID, userID string) error
}

type handlerRuleSource interface {
	ListByDataType(ctx context.Context, dataType string) ([]models.Rule, error)
}

type handlerRequestReader interface {
	GetByID(ctx context.Context, id string) (*models.Request, error)
}

// baseHandler carries the shared override and trigger plumbing. Concrete
// handlers only differ in the event kind they claim.
type baseHandler struct {
	name      string
	dataType  string
	eventType string

	overrides handlerOverrideStore
	rules     handlerRuleSource
	requests  handlerRequestReader
	logger    *zap.Logger

	triggerTTL time.Duration

	mu            sync.Mutex
	cachedRules   []models.Rule
	cacheLoadedAt time.Time
}

func (h *baseHandler) Name() string     { return h.name }
func (h *baseHandler) DataType() string { return h.dataType }

func (h *baseHandler) IsCandidate(event models.DueDateEvent, activity models.Activity) bool {
	return activity.DataType == h.dataType && event.EventType == h.eventType
}

func (h *baseHandler) RequestData(item models.RequestItem, activity models.Activity) string {
	if activity.DueDate == nil {
		return fmt.Sprintf("%s: %s", activity.CourseName, activity.Name)
	}
	extended := activity.DueDate.Add(time.Duration(item.Length) * time.Second)
	return fmt.Sprintf("%s: %s (due %s, requested %s)",
		activity.CourseName, activity.Name,
		activity.DueDate.UTC().Format("2 Jan 2006 15:04"),
		extended.UTC().Format("2 Jan 2006 15:04"))
}

func (h *baseHandler) SubmitExtension(ctx context.Context, item models.RequestItem, activity models.Activity) error {
	if activity.DueDate == nil {
		return appErrors.Clone(appErrors.ErrExtensionRejected, fmt.Sprintf("%s has no due date to extend", activity.Name))
	}
	request, err := h.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return fmt.Errorf("load request for extension: %w", err)
	}
	override := &models.Override{
		ActivityID: activity.ID,
		UserID:     request.UserID,
		DueDate:    activity.DueDate.Add(time.Duration(item.Length) * time.Second),
	}
	if err := h.overrides.Upsert(ctx, override); err != nil {
		return appErrors.Wrap(err, appErrors.ErrExtensionRejected.Code, appErrors.ErrExtensionRejected.Status, "failed to apply extension")
	}
	h.logger.Info("extension applied",
		zap.String("handler", h.name),
		zap.String("activity_id", activity.ID),
		zap.String("item_id", item.ID),
		zap.Time("due_date", override.DueDate))
	return nil
}

func (h *baseHandler) CancelExtension(ctx context.Context, item models.RequestItem, activity models.Activity) error {
	request, err := h.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		return fmt.Errorf("load request for cancel: %w", err)
	}
	if err := h.overrides.Delete(ctx, activity.ID, request.UserID); err != nil {
		return fmt.Errorf("withdraw extension: %w", err)
	}
	return nil
}

// Triggers loads the handler's rule set lazily and keeps it for triggerTTL.
// InvalidateTriggers drops the copy after rule changes.
func (h *baseHandler) Triggers(ctx context.Context) ([]models.Rule, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cachedRules != nil && time.Since(h.cacheLoadedAt) < h.triggerTTL {
		return h.cachedRules, nil
	}
	rules, err := h.rules.ListByDataType(ctx, h.dataType)
	if err != nil {
		return nil, fmt.Errorf("load triggers for %s: %w", h.dataType, err)
	}
	h.cachedRules = rules
	h.cacheLoadedAt = time.Now()
	return rules, nil
}

// InvalidateTriggers drops the cached rule set.
func (h *baseHandler) InvalidateTriggers() {
	h.mu.Lock()
	h.cachedRules = nil
	h.mu.Unlock()
}

// HandlerRegistry resolves activity handlers by data type.
type HandlerRegistry struct {
	handlers map[string]ActivityHandler
	order    []string
}

// NewHandlerRegistry builds a registry over the given handlers.
func NewHandlerRegistry(handlers ...ActivityHandler) *HandlerRegistry {
	registry := &HandlerRegistry{handlers: make(map[string]ActivityHandler, len(handlers))}
	for _, h := range handlers {
		if _, exists := registry.handlers[h.DataType()]; exists {
			continue
		}
		registry.handlers[h.DataType()] = h
		registry.order = append(registry.order, h.DataType())
	}
	return registry
}

// ForDataType returns the handler claiming the data type, if any.
func (r *HandlerRegistry) ForDataType(dataType string) (ActivityHandler, bool) {
	h, ok := r.handlers[dataType]
	return h, ok
}

// All returns every registered handler in registration order.
func (r *HandlerRegistry) All() []ActivityHandler {
	result := make([]ActivityHandler, 0, len(r.order))
	for _, dataType := range r.order {
		result = append(result, r.handlers[dataType])
	}
	return result
}

// InvalidateTriggers drops every handler's cached rule set.
func (r *HandlerRegistry) InvalidateTriggers() {
	for _, h := range r.handlers {
		if invalidator, ok := h.(interface{ InvalidateTriggers() }); ok {
			invalidator.InvalidateTriggers()
		}
	}
}

// AssignmentHandler serves assignment activities, claiming their "due" event.
type AssignmentHandler struct{ baseHandler }

// NewAssignmentHandler constructs the assignment adapter.
func NewAssignmentHandler(overrides handlerOverrideStore, rules handlerRuleSource, requests handlerRequestReader, triggerTTL time.Duration, logger *zap.Logger) *AssignmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if triggerTTL <= 0 {
		triggerTTL = 5 * time.Minute
	}
	return &AssignmentHandler{baseHandler{
		name:       "Assignment",
		dataType:   "assignment",
		eventType:  "due",
		overrides:  overrides,
		rules:      rules,
		requests:   requests,
		logger:     logger,
		triggerTTL: triggerTTL,
	}}
}

// QuizHandler serves quiz activities, claiming their "close" event.
type QuizHandler struct{ baseHandler }

// NewQuizHandler constructs the quiz adapter.
func NewQuizHandler(overrides handlerOverrideStore, rules handlerRuleSource, requests handlerRequestReader, triggerTTL time.Duration, logger *zap.Logger) *QuizHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if triggerTTL <= 0 {
		triggerTTL = 5 * time.Minute
	}
	return &QuizHandler{baseHandler{
		name:       "Quiz",
		dataType:   "quiz",
		eventType:  "close",
		overrides:  overrides,
		rules:      rules,
		requests:   requests,
		logger:     logger,
		triggerTTL: triggerTTL,
	}}
}
