package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/extension-api/internal/dto"
	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
)

type ruleAdminMock struct {
	createResp  *models.Rule
	createErr   error
	deleteResp  int
	sweepResp   dto.SweepResponse
	sweepCalled bool
}

func (m *ruleAdminMock) Tree(ctx context.Context) ([]dto.RuleTreeNode, error) {
	return nil, nil
}

func (m *ruleAdminMock) Create(ctx context.Context, req dto.CreateRuleRequest) (*models.Rule, error) {
	return m.createResp, m.createErr
}

func (m *ruleAdminMock) Update(ctx context.Context, id string, req dto.CreateRuleRequest) (*models.Rule, error) {
	return m.createResp, m.createErr
}

func (m *ruleAdminMock) Delete(ctx context.Context, id string) (int, error) {
	return m.deleteResp, nil
}

func (m *ruleAdminMock) Sweep(ctx context.Context) (dto.SweepResponse, error) {
	m.sweepCalled = true
	return m.sweepResp, nil
}

type digestRunnerMock struct {
	dispatched int
}

func (m *digestRunnerMock) Run(ctx context.Context) (int, error) {
	return m.dispatched, nil
}

func TestRuleHandlerCreate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &ruleAdminMock{createResp: &models.Rule{ID: "rule-1", Name: "notify teachers"}}
	handler := NewRuleHandler(mockSvc, &digestRunnerMock{})

	body, _ := json.Marshal(dto.CreateRuleRequest{
		Name:     "notify teachers",
		DataType: "assignment",
		Role:     models.RoleTeacher,
		Action:   models.RuleActionNotify,
	})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/rules", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	handler.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestRuleHandlerCreateValidationError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &ruleAdminMock{createErr: appErrors.Clone(appErrors.ErrValidation, "rule name is required")}
	handler := NewRuleHandler(mockSvc, &digestRunnerMock{})

	body, _ := json.Marshal(dto.CreateRuleRequest{DataType: "assignment"})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/rules", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req

	handler.Create(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuleHandlerDelete(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewRuleHandler(&ruleAdminMock{deleteResp: 3}, &digestRunnerMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodDelete, "/rules/rule-1", nil)
	c.Request = req
	c.Params = gin.Params{{Key: "id", Value: "rule-1"}}

	handler.Delete(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted":3`)
}

func TestRuleHandlerSweep(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mockSvc := &ruleAdminMock{sweepResp: dto.SweepResponse{Scanned: 5, Triggered: 2}}
	handler := NewRuleHandler(mockSvc, &digestRunnerMock{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/admin/rule-sweep", nil)
	c.Request = req

	handler.Sweep(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, mockSvc.sweepCalled)
	assert.Contains(t, w.Body.String(), `"scanned":5`)
}

func TestRuleHandlerRunDigest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewRuleHandler(&ruleAdminMock{}, &digestRunnerMock{dispatched: 4})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(http.MethodPost, "/admin/digest", nil)
	c.Request = req

	handler.RunDigest(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"dispatched":4`)
}
