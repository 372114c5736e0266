package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/extension-api/internal/dto"
	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
	"github.com/noah-isme/extension-api/pkg/response"
)

type ruleAdmin interface {
	Tree(ctx context.Context) ([]dto.RuleTreeNode, error)
	Create(ctx context.Context, req dto.CreateRuleRequest) (*models.Rule, error)
	Update(ctx context.Context, id string, req dto.CreateRuleRequest) (*models.Rule, error)
	Delete(ctx context.Context, id string) (int, error)
	Sweep(ctx context.Context) (dto.SweepResponse, error)
}

type digestRunner interface {
	Run(ctx context.Context) (int, error)
}

// RuleHandler wires HTTP endpoints to the trigger rule engine.
type RuleHandler struct {
	rules  ruleAdmin
	digest digestRunner
}

// NewRuleHandler creates a new handler.
func NewRuleHandler(rules ruleAdmin, digest digestRunner) *RuleHandler {
	return &RuleHandler{rules: rules, digest: digest}
}

// Tree godoc
// @Summary List trigger rules
// @Description Returns the configured trigger rules as a forest
// @Tags Rules
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /rules [get]
func (h *RuleHandler) Tree(c *gin.Context) {
	tree, err := h.rules.Tree(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, tree, nil)
}

// Create godoc
// @Summary Create a trigger rule
// @Description Configures a new trigger rule; an identically configured rule is returned instead of duplicated
// @Tags Rules
// @Accept json
// @Produce json
// @Param payload body dto.CreateRuleRequest true "Rule payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /rules [post]
func (h *RuleHandler) Create(c *gin.Context) {
	var req dto.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid rule payload"))
		return
	}

	rule, err := h.rules.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rule)
}

// Update godoc
// @Summary Update a trigger rule
// @Description Reconfigures an existing trigger rule
// @Tags Rules
// @Accept json
// @Produce json
// @Param id path string true "Rule ID"
// @Param payload body dto.CreateRuleRequest true "Rule payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /rules/{id} [put]
func (h *RuleHandler) Update(c *gin.Context) {
	var req dto.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid rule payload"))
		return
	}

	rule, err := h.rules.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, rule, nil)
}

// Delete godoc
// @Summary Delete a trigger rule
// @Description Removes a rule and every rule beneath it
// @Tags Rules
// @Produce json
// @Param id path string true "Rule ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /rules/{id} [delete]
func (h *RuleHandler) Delete(c *gin.Context) {
	deleted, err := h.rules.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.DeleteRuleResponse{Deleted: deleted}, nil)
}

// Sweep godoc
// @Summary Run a trigger sweep
// @Description Evaluates trigger rules against every open item immediately
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/rule-sweep [post]
func (h *RuleHandler) Sweep(c *gin.Context) {
	result, err := h.rules.Sweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// RunDigest godoc
// @Summary Run a digest delivery pass
// @Description Batches and delivers queued notifications immediately
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/digest [post]
func (h *RuleHandler) RunDigest(c *gin.Context) {
	dispatched, err := h.digest.Run(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"dispatched": dispatched}, nil)
}
