package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
)

type requestStoreStub struct {
	items           map[string]*models.RequestItem
	stateUpdates    []string
	restored        []string
	touched         []string
	failStateUpdate bool
}

func (s *requestStoreStub) GetByID(ctx context.Context, id string) (*models.Request, error) {
	return &models.Request{ID: id, UserID: "student-1"}, nil
}

func (s *requestStoreStub) GetItem(ctx context.Context, itemID string) (*models.RequestItem, error) {
	item, ok := s.items[itemID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *item
	return &copied, nil
}

func (s *requestStoreStub) UpdateItemState(ctx context.Context, itemID string, prev, next models.ItemState) error {
	item, ok := s.items[itemID]
	if s.failStateUpdate || !ok || item.State != prev {
		return sql.ErrNoRows
	}
	item.State = next
	s.stateUpdates = append(s.stateUpdates, itemID)
	return nil
}

func (s *requestStoreStub) UpdateItemLength(ctx context.Context, itemID string, length, lengthPrev int64, state models.ItemState) error {
	item, ok := s.items[itemID]
	if !ok {
		return sql.ErrNoRows
	}
	item.Length = length
	item.LengthPrev = lengthPrev
	item.State = state
	return nil
}

func (s *requestStoreStub) RestoreItemLength(ctx context.Context, itemID string) error {
	item, ok := s.items[itemID]
	if !ok {
		return sql.ErrNoRows
	}
	if item.LengthPrev > 0 {
		item.Length = item.LengthPrev
		item.LengthPrev = 0
	}
	s.restored = append(s.restored, itemID)
	return nil
}

func (s *requestStoreStub) TouchLastModified(ctx context.Context, requestID, actorID string, ts time.Time) error {
	s.touched = append(s.touched, requestID)
	return nil
}

type historyStub struct {
	entries []*models.HistoryEntry
}

func (s *historyStub) Append(ctx context.Context, entry *models.HistoryEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

type activityReaderStub struct {
	activities map[string]*models.Activity
}

func (s *activityReaderStub) GetByID(ctx context.Context, id string) (*models.Activity, error) {
	activity, ok := s.activities[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return activity, nil
}

type handlerStub struct {
	dataType  string
	rules     []models.Rule
	submitted []string
	cancelled []string
	submitErr error
}

func (h *handlerStub) Name() string     { return "Stub" }
func (h *handlerStub) DataType() string { return h.dataType }
func (h *handlerStub) IsCandidate(event models.DueDateEvent, activity models.Activity) bool {
	return event.EventType == "due"
}
func (h *handlerStub) RequestData(item models.RequestItem, activity models.Activity) string {
	return activity.Name
}
func (h *handlerStub) SubmitExtension(ctx context.Context, item models.RequestItem, activity models.Activity) error {
	if h.submitErr != nil {
		return h.submitErr
	}
	h.submitted = append(h.submitted, item.ID)
	return nil
}
func (h *handlerStub) CancelExtension(ctx context.Context, item models.RequestItem, activity models.Activity) error {
	h.cancelled = append(h.cancelled, item.ID)
	return nil
}
func (h *handlerStub) Triggers(ctx context.Context) ([]models.Rule, error) { return h.rules, nil }

type invalidatorStub struct {
	invalidated []string
}

func (s *invalidatorStub) InvalidateRequest(ctx context.Context, requestID string) error {
	s.invalidated = append(s.invalidated, requestID)
	return nil
}

type notifierStub struct {
	notified []string
}

func (s *notifierStub) NotifyStateChange(ctx context.Context, item *models.RequestItem, next models.ItemState, actorID, message string) error {
	s.notified = append(s.notified, string(next))
	return nil
}

func newStateFixture(state models.ItemState) (*StateService, *requestStoreStub, *historyStub, *handlerStub, *invalidatorStub) {
	store := &requestStoreStub{items: map[string]*models.RequestItem{
		"item-1": {
			ID:         "item-1",
			RequestID:  "req-1",
			ActivityID: "act-1",
			DataType:   "assignment",
			State:      state,
			Length:     86400,
		},
	}}
	history := &historyStub{}
	due := time.Date(2026, 9, 7, 17, 0, 0, 0, time.UTC)
	activities := &activityReaderStub{activities: map[string]*models.Activity{
		"act-1": {ID: "act-1", Name: "Essay", CourseName: "History", DataType: "assignment", DueDate: &due},
	}}
	handler := &handlerStub{dataType: "assignment"}
	invalidator := &invalidatorStub{}
	svc := NewStateService(store, history, activities, NewHandlerRegistry(handler), invalidator, &notifierStub{}, nil, nil)
	return svc, store, history, handler, invalidator
}

func privilegedActor() *models.JWTClaims {
	return &models.JWTClaims{UserID: "approver-1", Role: models.RoleAdmin, ForceStatus: true}
}

func ownerActor() *models.JWTClaims {
	return &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
}

func TestUpdateItemStateApprove(t *testing.T) {
	svc, store, history, handler, invalidator := newStateFixture(models.StateNew)

	item, err := svc.UpdateItemState(context.Background(), "item-1", models.StateApproved, privilegedActor(), "")
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, item.State)
	assert.Equal(t, []string{"item-1"}, handler.submitted)
	assert.Equal(t, models.StateApproved, store.items["item-1"].State)
	require.Len(t, history.entries, 1)
	assert.Equal(t, models.StateApproved, history.entries[0].State)
	assert.Equal(t, []string{"req-1"}, invalidator.invalidated)
	assert.Equal(t, []string{"req-1"}, store.touched)
}

func TestUpdateItemStateHandlerFailureAborts(t *testing.T) {
	svc, store, history, handler, _ := newStateFixture(models.StateNew)
	handler.submitErr = appErrors.ErrExtensionRejected

	_, err := svc.UpdateItemState(context.Background(), "item-1", models.StateApproved, privilegedActor(), "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrExtensionRejected.Code, appErrors.FromError(err).Code)
	// Nothing was committed.
	assert.Equal(t, models.StateNew, store.items["item-1"].State)
	assert.Empty(t, history.entries)
	assert.Empty(t, store.touched)
}

func TestUpdateItemStateUnprivilegedApproveRejected(t *testing.T) {
	svc, store, _, handler, _ := newStateFixture(models.StateNew)

	_, err := svc.UpdateItemState(context.Background(), "item-1", models.StateApproved, ownerActor(), "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.Empty(t, handler.submitted)
	assert.Equal(t, models.StateNew, store.items["item-1"].State)
}

func TestUpdateItemStateRuleGrantedApproval(t *testing.T) {
	svc, store, history, handler, _ := newStateFixture(models.StateNew)
	svc.SetAccessResolver(&accessResolverStub{access: models.ItemAccess{CanApprove: true}})

	teacher := &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
	require.Contains(t, models.VisibleActions(models.StateNew, models.ItemAccess{CanApprove: true}), models.StateApproved)

	item, err := svc.UpdateItemState(context.Background(), "item-1", models.StateApproved, teacher, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, item.State)
	assert.Equal(t, []string{"item-1"}, handler.submitted)
	assert.Equal(t, models.StateApproved, store.items["item-1"].State)
	require.Len(t, history.entries, 1)
}

func TestUpdateItemStateApproveAccessIsNotForce(t *testing.T) {
	svc, store, _, handler, _ := newStateFixture(models.StateApproved)
	svc.SetAccessResolver(&accessResolverStub{access: models.ItemAccess{CanApprove: true}})

	// Cancelling a granted extension needs the force privilege.
	teacher := &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
	_, err := svc.UpdateItemState(context.Background(), "item-1", models.StateCancelled, teacher, "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.Empty(t, handler.cancelled)
	assert.Equal(t, models.StateApproved, store.items["item-1"].State)
}

func TestUpdateItemStateResolverDeniesApproval(t *testing.T) {
	svc, store, _, handler, _ := newStateFixture(models.StateNew)
	svc.SetAccessResolver(&accessResolverStub{})

	teacher := &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
	_, err := svc.UpdateItemState(context.Background(), "item-1", models.StateApproved, teacher, "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.Empty(t, handler.submitted)
	assert.Equal(t, models.StateNew, store.items["item-1"].State)
}

func TestUpdateItemStateCancelWithdrawsExtension(t *testing.T) {
	svc, _, _, handler, _ := newStateFixture(models.StateApproved)

	item, err := svc.UpdateItemState(context.Background(), "item-1", models.StateCancelled, privilegedActor(), "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, item.State)
	assert.Equal(t, []string{"item-1"}, handler.cancelled)
}

func TestUpdateItemStateDenyWithdrawsExtension(t *testing.T) {
	svc, _, history, handler, _ := newStateFixture(models.StateApproved)

	_, err := svc.UpdateItemState(context.Background(), "item-1", models.StateDenied, privilegedActor(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"item-1"}, handler.cancelled)
	require.Len(t, history.entries, 1)
}

func TestUpdateItemStateReopenRestoresLength(t *testing.T) {
	svc, store, _, _, _ := newStateFixture(models.StateModified)
	store.items["item-1"].Length = 172800
	store.items["item-1"].LengthPrev = 86400

	item, err := svc.UpdateItemState(context.Background(), "item-1", models.StateReopened, privilegedActor(), "")
	require.NoError(t, err)
	assert.Equal(t, models.StateReopened, item.State)
	assert.Equal(t, []string{"item-1"}, store.restored)
	assert.Equal(t, int64(86400), store.items["item-1"].Length)
	assert.Equal(t, int64(0), store.items["item-1"].LengthPrev)
}

func TestUpdateItemStateUnknownState(t *testing.T) {
	svc, _, _, _, _ := newStateFixture(models.StateNew)

	_, err := svc.UpdateItemState(context.Background(), "item-1", models.ItemState("BOGUS"), privilegedActor(), "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestUpdateItemStateMissingItem(t *testing.T) {
	svc, _, _, _, _ := newStateFixture(models.StateNew)

	_, err := svc.UpdateItemState(context.Background(), "missing", models.StateCancelled, privilegedActor(), "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestModifyLengthApprovedItemDemotesToModified(t *testing.T) {
	svc, store, history, _, _ := newStateFixture(models.StateApproved)

	item, err := svc.ModifyLength(context.Background(), "item-1", 172800, ownerActor(), "")
	require.NoError(t, err)
	assert.Equal(t, models.StateModified, item.State)
	assert.Equal(t, int64(172800), item.Length)
	assert.Equal(t, int64(86400), item.LengthPrev)
	assert.Equal(t, models.StateModified, store.items["item-1"].State)
	require.Len(t, history.entries, 1)
}

func TestModifyLengthOpenItemKeepsState(t *testing.T) {
	svc, store, _, _, _ := newStateFixture(models.StateNew)

	item, err := svc.ModifyLength(context.Background(), "item-1", 172800, ownerActor(), "")
	require.NoError(t, err)
	assert.Equal(t, models.StateNew, item.State)
	assert.Equal(t, int64(172800), store.items["item-1"].Length)
}

func TestModifyLengthClosedItemRejected(t *testing.T) {
	svc, _, _, _, _ := newStateFixture(models.StateDenied)

	_, err := svc.ModifyLength(context.Background(), "item-1", 172800, ownerActor(), "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestModifyLengthSameLengthNoOp(t *testing.T) {
	svc, _, history, _, _ := newStateFixture(models.StateNew)

	item, err := svc.ModifyLength(context.Background(), "item-1", 86400, ownerActor(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(86400), item.Length)
	assert.Empty(t, history.entries)
}

func TestUpdateItemStateNoHandler(t *testing.T) {
	store := &requestStoreStub{items: map[string]*models.RequestItem{
		"item-1": {ID: "item-1", RequestID: "req-1", ActivityID: "act-1", DataType: "workshop", State: models.StateNew},
	}}
	activities := &activityReaderStub{activities: map[string]*models.Activity{
		"act-1": {ID: "act-1", DataType: "workshop"},
	}}
	svc := NewStateService(store, &historyStub{}, activities, NewHandlerRegistry(), &invalidatorStub{}, nil, nil, nil)

	_, err := svc.UpdateItemState(context.Background(), "item-1", models.StateCancelled, privilegedActor(), "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrPreconditionFailed.Code, appErrors.FromError(err).Code)
}

func TestUpdateItemStateLostUpdateWithdrawsExtension(t *testing.T) {
	svc, store, history, handler, _ := newStateFixture(models.StateNew)
	store.failStateUpdate = true

	_, err := svc.UpdateItemState(context.Background(), "item-1", models.StateApproved, privilegedActor(), "")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	// The extension handed out before the lost update is taken back.
	assert.Equal(t, []string{"item-1"}, handler.submitted)
	assert.Equal(t, []string{"item-1"}, handler.cancelled)
	assert.Empty(t, history.entries)
	assert.Empty(t, store.touched)
}

func TestUpdateItemStateConcurrentConflict(t *testing.T) {
	svc, store, _, _, _ := newStateFixture(models.StateNew)
	// Another writer moves the row between validation and update.
	base := store.items["item-1"]
	conflicting := *base
	conflicting.State = models.StateCancelled
	store.items["item-1"] = base

	_, err := svc.UpdateItemState(context.Background(), "item-1", models.StateCancelled, privilegedActor(), "")
	require.NoError(t, err)

	_, err = svc.UpdateItemState(context.Background(), "item-1", models.StateCancelled, privilegedActor(), "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, sql.ErrNoRows))
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}
