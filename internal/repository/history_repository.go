package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/extension-api/internal/models"
)

// HistoryRepository persists the append-only transition ledger.
type HistoryRepository struct {
	db *sqlx.DB
}

// NewHistoryRepository constructs the repository.
func NewHistoryRepository(db *sqlx.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append records one ledger entry. Entries are never updated.
func (r *HistoryRepository) Append(ctx context.Context, entry *models.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO request_history (id, request_id, item_id, state, actor_id, message, created_at)
	VALUES (:id, :request_id, :item_id, :state, :actor_id, :message, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListByRequest returns the ledger for one request, oldest first.
func (r *HistoryRepository) ListByRequest(ctx context.Context, requestID string) ([]models.HistoryEntry, error) {
	const query = `SELECT id, request_id, item_id, state, actor_id, message, created_at
	FROM request_history WHERE request_id = $1 ORDER BY created_at ASC`
	var entries []models.HistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, requestID); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

// ListByItem returns the ledger slice for one item, oldest first.
func (r *HistoryRepository) ListByItem(ctx context.Context, itemID string) ([]models.HistoryEntry, error) {
	const query = `SELECT id, request_id, item_id, state, actor_id, message, created_at
	FROM request_history WHERE item_id = $1 ORDER BY created_at ASC`
	var entries []models.HistoryEntry
	if err := r.db.SelectContext(ctx, &entries, query, itemID); err != nil {
		return nil, fmt.Errorf("list item history: %w", err)
	}
	return entries, nil
}
