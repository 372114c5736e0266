package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/extension-api/internal/dto"
	"github.com/noah-isme/extension-api/internal/middleware"
	"github.com/noah-isme/extension-api/internal/models"
	"github.com/noah-isme/extension-api/internal/service"
	"github.com/noah-isme/extension-api/pkg/config"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
)

type requestWorkflowMock struct {
	createResp   *models.Request
	createErr    error
	listResp     []dto.RequestSummary
	detailResp   *dto.RequestDetailResponse
	detailErr    error
	commentResp  *models.Comment
	lastQuery    dto.RequestQuery
	createCalled bool
	listCalled   bool
}

func (m *requestWorkflowMock) Candidates(ctx context.Context, userID string, now time.Time) ([]models.CandidateEvent, error) {
	return nil, nil
}

func (m *requestWorkflowMock) Create(ctx context.Context, actor *models.JWTClaims, req dto.CreateRequestRequest) (*models.Request, error) {
	m.createCalled = true
	return m.createResp, m.createErr
}

func (m *requestWorkflowMock) List(ctx context.Context, query dto.RequestQuery) ([]dto.RequestSummary, models.Pagination, error) {
	m.listCalled = true
	m.lastQuery = query
	return m.listResp, models.NewPagination(1, 20, len(m.listResp)), nil
}

func (m *requestWorkflowMock) Detail(ctx context.Context, requestID string, actor *models.JWTClaims) (*dto.RequestDetailResponse, error) {
	return m.detailResp, m.detailErr
}

func (m *requestWorkflowMock) AddComment(ctx context.Context, requestID string, actor *models.JWTClaims, body string) (*models.Comment, error) {
	return m.commentResp, nil
}

func (m *requestWorkflowMock) AddAttachment(ctx context.Context, requestID string, actor *models.JWTClaims, filename, mimeType string, data []byte) (*models.Attachment, error) {
	return &models.Attachment{ID: "attachment-1", Filename: filename}, nil
}

type stateChangerMock struct {
	updateResp *models.RequestItem
	updateErr  error
	lastState  models.ItemState
}

func (m *stateChangerMock) UpdateItemState(ctx context.Context, itemID string, next models.ItemState, actor *models.JWTClaims, comment string) (*models.RequestItem, error) {
	m.lastState = next
	return m.updateResp, m.updateErr
}

func (m *stateChangerMock) ModifyLength(ctx context.Context, itemID string, length int64, actor *models.JWTClaims, comment string) (*models.RequestItem, error) {
	return m.updateResp, m.updateErr
}

type exporterMock struct {
	result *service.ExportResult
}

func (m *exporterMock) Generate(ctx context.Context, filter models.RequestFilter, format string) (*service.ExportResult, error) {
	return m.result, nil
}

func newRequestHandlerFixture(workflow *requestWorkflowMock, states *stateChangerMock) *RequestHandler {
	return NewRequestHandler(workflow, states, &exporterMock{}, config.AttachmentsConfig{})
}

func setClaims(c *gin.Context, role models.UserRole, userID string) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: userID, Role: role})
}

func TestRequestHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	workflow := &requestWorkflowMock{createResp: &models.Request{ID: "req-1"}}
	handler := newRequestHandlerFixture(workflow, &stateChangerMock{})

	body, _ := json.Marshal(dto.CreateRequestRequest{
		Message: "sick",
		Items:   []dto.CreateRequestItem{{ActivityID: "act-1", Length: 86400}},
	})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/requests", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	setClaims(c, models.RoleStudent, "student-1")

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, workflow.createCalled)
}

func TestRequestHandlerCreateInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newRequestHandlerFixture(&requestWorkflowMock{}, &stateChangerMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/requests", bytes.NewBufferString(`{"items":`))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	setClaims(c, models.RoleStudent, "student-1")

	handler.Create(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestHandlerListForcesOwnScopeForStudents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	workflow := &requestWorkflowMock{}
	handler := newRequestHandlerFixture(workflow, &stateChangerMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/requests?userId=someone-else&states=new,approved", nil)
	c.Request = req
	setClaims(c, models.RoleStudent, "student-1")

	handler.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, workflow.listCalled)
	assert.Equal(t, "student-1", workflow.lastQuery.UserID)
	assert.Equal(t, []models.ItemState{models.StateNew, models.StateApproved}, workflow.lastQuery.States)
}

func TestRequestHandlerListRejectsUnknownState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := newRequestHandlerFixture(&requestWorkflowMock{}, &stateChangerMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/requests?states=bogus", nil)
	c.Request = req
	setClaims(c, models.RoleTeacher, "teacher-1")

	handler.List(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestHandlerDetailHidesForeignRequestsFromStudents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	workflow := &requestWorkflowMock{detailResp: &dto.RequestDetailResponse{
		Request: models.Request{ID: "req-1", UserID: "someone-else"},
	}}
	handler := newRequestHandlerFixture(workflow, &stateChangerMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/requests/req-1", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "req-1"}}
	setClaims(c, models.RoleStudent, "student-1")

	handler.Detail(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestHandlerUpdateItemState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	states := &stateChangerMock{updateResp: &models.RequestItem{ID: "item-1", State: models.StateApproved}}
	handler := newRequestHandlerFixture(&requestWorkflowMock{}, states)

	body, _ := json.Marshal(dto.UpdateStateRequest{State: models.StateApproved, Comment: "granted"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/requests/req-1/items/item-1/state", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "req-1"}, {Key: "itemId", Value: "item-1"}}
	setClaims(c, models.RoleTeacher, "teacher-1")

	handler.UpdateItemState(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StateApproved, states.lastState)
}

func TestRequestHandlerUpdateItemStateForbidden(t *testing.T) {
	gin.SetMode(gin.TestMode)
	states := &stateChangerMock{updateErr: appErrors.ErrForbidden}
	handler := newRequestHandlerFixture(&requestWorkflowMock{}, states)

	body, _ := json.Marshal(dto.UpdateStateRequest{State: models.StateApproved})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/requests/req-1/items/item-1/state", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "req-1"}, {Key: "itemId", Value: "item-1"}}
	setClaims(c, models.RoleStudent, "student-1")

	handler.UpdateItemState(c)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestHandlerExport(t *testing.T) {
	gin.SetMode(gin.TestMode)
	exporter := &exporterMock{result: &service.ExportResult{
		Filename:    "extension_requests.csv",
		ContentType: "text/csv",
		Payload:     []byte("Request ID\n"),
	}}
	handler := NewRequestHandler(&requestWorkflowMock{}, &stateChangerMock{}, exporter, config.AttachmentsConfig{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodGet, "/requests/export?format=csv", nil)
	c.Request = req
	setClaims(c, models.RoleAdmin, "admin-1")

	handler.Export(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "extension_requests.csv")
}
