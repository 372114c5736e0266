package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/extension-api/internal/dto"
	"github.com/noah-isme/extension-api/internal/models"
	"github.com/noah-isme/extension-api/internal/service"
	"github.com/noah-isme/extension-api/pkg/config"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
	"github.com/noah-isme/extension-api/pkg/response"
)

type requestWorkflow interface {
	Candidates(ctx context.Context, userID string, now time.Time) ([]models.CandidateEvent, error)
	Create(ctx context.Context, actor *models.JWTClaims, req dto.CreateRequestRequest) (*models.Request, error)
	List(ctx context.Context, query dto.RequestQuery) ([]dto.RequestSummary, models.Pagination, error)
	Detail(ctx context.Context, requestID string, actor *models.JWTClaims) (*dto.RequestDetailResponse, error)
	AddComment(ctx context.Context, requestID string, actor *models.JWTClaims, body string) (*models.Comment, error)
	AddAttachment(ctx context.Context, requestID string, actor *models.JWTClaims, filename, mimeType string, data []byte) (*models.Attachment, error)
}

type itemStateChanger interface {
	UpdateItemState(ctx context.Context, itemID string, next models.ItemState, actor *models.JWTClaims, comment string) (*models.RequestItem, error)
	ModifyLength(ctx context.Context, itemID string, length int64, actor *models.JWTClaims, comment string) (*models.RequestItem, error)
}

type registerExporter interface {
	Generate(ctx context.Context, filter models.RequestFilter, format string) (*service.ExportResult, error)
}

// RequestHandler wires HTTP endpoints to the request workflow services.
type RequestHandler struct {
	requests    requestWorkflow
	states      itemStateChanger
	exports     registerExporter
	attachments config.AttachmentsConfig
}

// NewRequestHandler creates a new handler.
func NewRequestHandler(requests requestWorkflow, states itemStateChanger, exports registerExporter, attachments config.AttachmentsConfig) *RequestHandler {
	return &RequestHandler{
		requests:    requests,
		states:      states,
		exports:     exports,
		attachments: attachments,
	}
}

// Candidates godoc
// @Summary List candidate deadlines
// @Description Lists upcoming deadline events the caller can request an extension for
// @Tags Requests
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /requests/candidates [get]
func (h *RequestHandler) Candidates(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	candidates, err := h.requests.Candidates(c.Request.Context(), claims.UserID, time.Now().UTC())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.CandidateResponse{Candidates: candidates}, nil)
}

// Create godoc
// @Summary Open an extension request
// @Description Creates a request covering one or more activities
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateRequestRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /requests [post]
func (h *RequestHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid request payload"))
		return
	}

	request, err := h.requests.Create(c.Request.Context(), claims, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, request)
}

// List godoc
// @Summary List extension requests
// @Description Lists request summaries matching the query filters
// @Tags Requests
// @Produce json
// @Param userId query string false "Filter by requester"
// @Param states query string false "Comma-separated item states"
// @Param dataType query string false "Filter by activity type"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	query := dto.RequestQuery{
		UserID:   c.Query("userId"),
		DataType: c.Query("dataType"),
	}
	// Students only ever see their own requests.
	if claims.Role == models.RoleStudent {
		query.UserID = claims.UserID
	}
	if states := c.Query("states"); states != "" {
		for _, raw := range strings.Split(states, ",") {
			state := models.ItemState(strings.ToUpper(strings.TrimSpace(raw)))
			if !state.Valid() {
				response.Error(c, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown state %q", raw)))
				return
			}
			query.States = append(query.States, state)
		}
	}
	query.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	query.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))

	summaries, pagination, err := h.requests.List(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summaries, &pagination)
}

// Detail godoc
// @Summary Get one extension request
// @Description Returns the full request aggregate with per-item allowed actions
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *RequestHandler) Detail(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	detail, err := h.requests.Detail(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	if claims.Role == models.RoleStudent && detail.Request.UserID != claims.UserID {
		response.Error(c, appErrors.ErrForbidden)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// UpdateItemState godoc
// @Summary Change an item's state
// @Description Moves one request item through the approval workflow
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param itemId path string true "Item ID"
// @Param payload body dto.UpdateStateRequest true "Target state"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/items/{itemId}/state [post]
func (h *RequestHandler) UpdateItemState(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.UpdateStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid state payload"))
		return
	}

	item, err := h.states.UpdateItemState(c.Request.Context(), c.Param("itemId"), req.State, claims, req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// ModifyLength godoc
// @Summary Change an item's requested length
// @Description Updates the requested extension length, demoting approved items for re-approval
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param itemId path string true "Item ID"
// @Param payload body dto.ModifyLengthRequest true "New length"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/items/{itemId}/modify [post]
func (h *RequestHandler) ModifyLength(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.ModifyLengthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid length payload"))
		return
	}

	item, err := h.states.ModifyLength(c.Request.Context(), c.Param("itemId"), req.Length, claims, req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// AddComment godoc
// @Summary Comment on a request
// @Description Posts a discussion comment and notifies watchers
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.AddCommentRequest true "Comment payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /requests/{id}/comments [post]
func (h *RequestHandler) AddComment(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req dto.AddCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid comment payload"))
		return
	}

	comment, err := h.requests.AddComment(c.Request.Context(), c.Param("id"), claims, req.Body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, comment)
}

// AddAttachment godoc
// @Summary Attach a supporting file
// @Description Uploads a supporting document for a request
// @Tags Requests
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Request ID"
// @Param file formData file true "File to attach"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 413 {object} response.Envelope
// @Router /requests/{id}/attachments [post]
func (h *RequestHandler) AddAttachment(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file field is required"))
		return
	}
	if max := h.attachments.MaxFileSizeBytes; max > 0 && fileHeader.Size > max {
		response.Error(c, appErrors.New("FILE_TOO_LARGE", http.StatusRequestEntityTooLarge,
			fmt.Sprintf("attachment exceeds the %d byte limit", max)))
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if len(h.attachments.AllowedMIMEs) > 0 && !mimeAllowed(h.attachments.AllowedMIMEs, mimeType) {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file type %q is not allowed", mimeType)))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read upload"))
		return
	}

	attachment, err := h.requests.AddAttachment(c.Request.Context(), c.Param("id"), claims, fileHeader.Filename, mimeType, data)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, attachment)
}

// Export godoc
// @Summary Export the request register
// @Description Streams the request register as CSV or PDF
// @Tags Requests
// @Produce octet-stream
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} binary
// @Failure 400 {object} response.Envelope
// @Router /requests/export [get]
func (h *RequestHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.RequestFilter{
		UserID:   c.Query("userId"),
		DataType: c.Query("dataType"),
	}
	result, err := h.exports.Generate(c.Request.Context(), filter, c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Data(http.StatusOK, result.ContentType, result.Payload)
}

func mimeAllowed(allowed []string, mimeType string) bool {
	for _, m := range allowed {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	return false
}
