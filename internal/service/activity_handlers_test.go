package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
)

type overrideMapStub struct {
	entries map[string]*models.Override
}

func (s *overrideMapStub) Upsert(ctx context.Context, override *models.Override) error {
	if s.entries == nil {
		s.entries = make(map[string]*models.Override)
	}
	s.entries[override.ActivityID+"/"+override.UserID] = override
	return nil
}

func (s *overrideMapStub) Delete(ctx context.Context, activityID, userID string) error {
	delete(s.entries, activityID+"/"+userID)
	return nil
}

type ruleSourceStub struct {
	rules []models.Rule
	calls int
}

func (s *ruleSourceStub) ListByDataType(ctx context.Context, dataType string) ([]models.Rule, error) {
	s.calls++
	return s.rules, nil
}

type requestReaderStub struct {
	request *models.Request
}

func (s *requestReaderStub) GetByID(ctx context.Context, id string) (*models.Request, error) {
	if s.request == nil || s.request.ID != id {
		return nil, appErrors.ErrNotFound
	}
	return s.request, nil
}

func newAssignmentFixture() (*AssignmentHandler, *overrideMapStub, *ruleSourceStub) {
	overrides := &overrideMapStub{}
	rules := &ruleSourceStub{rules: []models.Rule{{ID: "rule-1", Name: "notify teacher"}}}
	reader := &requestReaderStub{request: &models.Request{ID: "req-1", UserID: "student-1"}}
	h := NewAssignmentHandler(overrides, rules, reader, time.Minute, zap.NewNop())
	return h, overrides, rules
}

func TestAssignmentHandlerSubmitExtensionIdempotent(t *testing.T) {
	due := time.Date(2026, 9, 14, 23, 59, 0, 0, time.UTC)
	h, overrides, _ := newAssignmentFixture()
	item := models.RequestItem{ID: "item-1", RequestID: "req-1", ActivityID: "act-1", Length: 3600}
	activity := models.Activity{ID: "act-1", DataType: "assignment", Name: "Essay", DueDate: &due}

	require.NoError(t, h.SubmitExtension(context.Background(), item, activity))
	require.NoError(t, h.SubmitExtension(context.Background(), item, activity))

	require.Len(t, overrides.entries, 1)
	applied := overrides.entries["act-1/student-1"]
	require.NotNil(t, applied)
	assert.Equal(t, due.Add(time.Hour), applied.DueDate)
}

func TestAssignmentHandlerSubmitExtensionWithoutDueDate(t *testing.T) {
	h, overrides, _ := newAssignmentFixture()
	item := models.RequestItem{ID: "item-1", RequestID: "req-1", ActivityID: "act-1", Length: 3600}
	activity := models.Activity{ID: "act-1", DataType: "assignment", Name: "Essay"}

	err := h.SubmitExtension(context.Background(), item, activity)
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrExtensionRejected.Code, appErr.Code)
	assert.Empty(t, overrides.entries)
}

func TestAssignmentHandlerCancelExtension(t *testing.T) {
	due := time.Date(2026, 9, 14, 23, 59, 0, 0, time.UTC)
	h, overrides, _ := newAssignmentFixture()
	item := models.RequestItem{ID: "item-1", RequestID: "req-1", ActivityID: "act-1", Length: 3600}
	activity := models.Activity{ID: "act-1", DataType: "assignment", DueDate: &due}

	require.NoError(t, h.SubmitExtension(context.Background(), item, activity))
	require.NoError(t, h.CancelExtension(context.Background(), item, activity))
	assert.Empty(t, overrides.entries)

	// Withdrawing again is a no-op rather than an error.
	require.NoError(t, h.CancelExtension(context.Background(), item, activity))
}

func TestHandlersClaimTheirDeadlineEvent(t *testing.T) {
	assignment, _, _ := newAssignmentFixture()
	quiz := NewQuizHandler(&overrideMapStub{}, &ruleSourceStub{}, &requestReaderStub{}, time.Minute, zap.NewNop())

	assignActivity := models.Activity{ID: "act-1", DataType: "assignment"}
	quizActivity := models.Activity{ID: "act-2", DataType: "quiz"}

	assert.True(t, assignment.IsCandidate(models.DueDateEvent{EventType: "due"}, assignActivity))
	assert.False(t, assignment.IsCandidate(models.DueDateEvent{EventType: "open"}, assignActivity))
	assert.False(t, assignment.IsCandidate(models.DueDateEvent{EventType: "due"}, quizActivity))
	assert.True(t, quiz.IsCandidate(models.DueDateEvent{EventType: "close"}, quizActivity))
	assert.False(t, quiz.IsCandidate(models.DueDateEvent{EventType: "due"}, quizActivity))
}

func TestHandlerTriggersCachedUntilInvalidated(t *testing.T) {
	h, _, rules := newAssignmentFixture()

	first, err := h.Triggers(context.Background())
	require.NoError(t, err)
	second, err := h.Triggers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, rules.calls)

	h.InvalidateTriggers()
	_, err = h.Triggers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rules.calls)
}

func TestHandlerRegistryResolvesByDataType(t *testing.T) {
	assignment, _, rules := newAssignmentFixture()
	quiz := NewQuizHandler(&overrideMapStub{}, &ruleSourceStub{}, &requestReaderStub{}, time.Minute, zap.NewNop())

	registry := NewHandlerRegistry(assignment, quiz)

	resolved, ok := registry.ForDataType("assignment")
	require.True(t, ok)
	assert.Equal(t, "Assignment", resolved.Name())

	_, ok = registry.ForDataType("forum")
	assert.False(t, ok)

	all := registry.All()
	require.Len(t, all, 2)
	assert.Equal(t, "assignment", all[0].DataType())
	assert.Equal(t, "quiz", all[1].DataType())

	_, err := assignment.Triggers(context.Background())
	require.NoError(t, err)
	registry.InvalidateTriggers()
	_, err = assignment.Triggers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rules.calls)
}

func TestHandlerRequestData(t *testing.T) {
	due := time.Date(2026, 9, 14, 23, 59, 0, 0, time.UTC)
	h, _, _ := newAssignmentFixture()
	item := models.RequestItem{ID: "item-1", Length: 86400}
	activity := models.Activity{ID: "act-1", CourseName: "Algorithms", Name: "Essay", DueDate: &due}

	summary := h.RequestData(item, activity)
	assert.Contains(t, summary, "Algorithms: Essay")
	assert.Contains(t, summary, "14 Sep 2026 23:59")
	assert.Contains(t, summary, "15 Sep 2026 23:59")

	activity.DueDate = nil
	assert.Equal(t, "Algorithms: Essay", h.RequestData(item, activity))
}
