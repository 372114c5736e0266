package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/extension-api/internal/models"
)

// CommentRepository persists request comments and attachment metadata.
type CommentRepository struct {
	db *sqlx.DB
}

// NewCommentRepository constructs the repository.
func NewCommentRepository(db *sqlx.DB) *CommentRepository {
	return &CommentRepository{db: db}
}

// CreateComment inserts a discussion comment.
func (r *CommentRepository) CreateComment(ctx context.Context, comment *models.Comment) error {
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO request_comments (id, request_id, user_id, body, created_at)
	VALUES (:id, :request_id, :user_id, :body, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, comment); err != nil {
		return fmt.Errorf("create comment: %w", err)
	}
	return nil
}

// ListComments returns all comments on a request, oldest first.
func (r *CommentRepository) ListComments(ctx context.Context, requestID string) ([]models.Comment, error) {
	const query = `SELECT id, request_id, user_id, body, created_at
	FROM request_comments WHERE request_id = $1 ORDER BY created_at ASC`
	var comments []models.Comment
	if err := r.db.SelectContext(ctx, &comments, query, requestID); err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// CreateAttachment inserts attachment metadata. The file body lives in the
// content-addressed store.
func (r *CommentRepository) CreateAttachment(ctx context.Context, attachment *models.Attachment) error {
	if attachment.ID == "" {
		attachment.ID = uuid.NewString()
	}
	if attachment.CreatedAt.IsZero() {
		attachment.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO request_attachments (id, request_id, user_id, filename, mime_type, size_bytes, file_hash, created_at)
	VALUES (:id, :request_id, :user_id, :filename, :mime_type, :size_bytes, :file_hash, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, attachment); err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

// ListAttachments returns attachment metadata for a request, oldest first.
func (r *CommentRepository) ListAttachments(ctx context.Context, requestID string) ([]models.Attachment, error) {
	const query = `SELECT id, request_id, user_id, filename, mime_type, size_bytes, file_hash, created_at
	FROM request_attachments WHERE request_id = $1 ORDER BY created_at ASC`
	var attachments []models.Attachment
	if err := r.db.SelectContext(ctx, &attachments, query, requestID); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

// GetAttachment fetches one attachment record.
func (r *CommentRepository) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	const query = `SELECT id, request_id, user_id, filename, mime_type, size_bytes, file_hash, created_at
	FROM request_attachments WHERE id = $1 LIMIT 1`
	var attachment models.Attachment
	if err := r.db.GetContext(ctx, &attachment, query, id); err != nil {
		return nil, err
	}
	return &attachment, nil
}

// CountByHash reports how many attachment rows still reference a stored file.
// The store only deletes the blob once this drops to zero.
func (r *CommentRepository) CountByHash(ctx context.Context, fileHash string) (int, error) {
	const query = `SELECT COUNT(*) FROM request_attachments WHERE file_hash = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, fileHash); err != nil {
		return 0, fmt.Errorf("count attachments by hash: %w", err)
	}
	return count, nil
}
