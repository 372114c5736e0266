package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
	"github.com/noah-isme/extension-api/pkg/export"
)

type exportRequestSource interface {
	List(ctx context.Context, filter models.RequestFilter) ([]models.Request, int, error)
	ListItems(ctx context.Context, requestID string) ([]models.RequestItem, error)
}

type exportActivityReader interface {
	GetByID(ctx context.Context, id string) (*models.Activity, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportService renders the request register as CSV or PDF for download.
type ExportService struct {
	requests   exportRequestSource
	activities exportActivityReader
	csv        csvRenderer
	pdf        pdfRenderer
	logger     *zap.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(requests exportRequestSource, activities exportActivityReader, csv csvRenderer, pdf pdfRenderer, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		requests:   requests,
		activities: activities,
		csv:        csv,
		pdf:        pdf,
		logger:     logger,
	}
}

// ExportResult carries a rendered register ready for download.
type ExportResult struct {
	Filename    string
	ContentType string
	Payload     []byte
}

// Generate builds the register for requests matching the filter and renders
// it in the requested format ("csv" or "pdf").
func (s *ExportService) Generate(ctx context.Context, filter models.RequestFilter, format string) (*ExportResult, error) {
	dataset, err := s.buildDataset(ctx, filter)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC().Format("20060102_150405")
	title := "Extension Request Register"

	switch strings.ToLower(format) {
	case "csv", "":
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render CSV")
		}
		return &ExportResult{
			Filename:    fmt.Sprintf("extension_requests_%s.csv", timestamp),
			ContentType: "text/csv",
			Payload:     payload,
		}, nil
	case "pdf":
		payload, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render PDF")
		}
		return &ExportResult{
			Filename:    fmt.Sprintf("extension_requests_%s.pdf", timestamp),
			ContentType: "application/pdf",
			Payload:     payload,
		}, nil
	}
	return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
}

var registerHeaders = []string{"Request ID", "User ID", "Activity", "Type", "State", "Requested Length", "Due Date", "Last Modified"}

func (s *ExportService) buildDataset(ctx context.Context, filter models.RequestFilter) (export.Dataset, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	requests, _, err := s.requests.List(ctx, filter)
	if err != nil {
		return export.Dataset{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list requests")
	}

	rows := make([]map[string]string, 0, len(requests))
	for _, request := range requests {
		items, err := s.requests.ListItems(ctx, request.ID)
		if err != nil {
			return export.Dataset{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load items")
		}
		for _, item := range items {
			activityName := item.ActivityID
			if activity, err := s.activities.GetByID(ctx, item.ActivityID); err == nil {
				activityName = fmt.Sprintf("%s / %s", activity.CourseName, activity.Name)
			}
			dueDate := ""
			if item.DueDate != nil {
				dueDate = item.DueDate.UTC().Format(time.RFC3339)
			}
			rows = append(rows, map[string]string{
				"Request ID":       request.ID,
				"User ID":          request.UserID,
				"Activity":         activityName,
				"Type":             item.DataType,
				"State":            item.State.Label(),
				"Requested Length": (time.Duration(item.Length) * time.Second).String(),
				"Due Date":         dueDate,
				"Last Modified":    request.LastModifiedAt.UTC().Format(time.RFC3339),
			})
		}
	}

	return export.Dataset{Headers: registerHeaders, Rows: rows}, nil
}
