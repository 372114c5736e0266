package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/extension-api/internal/models"
)

// RequestRepository persists extension requests and their items.
type RequestRepository struct {
	db *sqlx.DB
}

// NewRequestRepository constructs the repository.
func NewRequestRepository(db *sqlx.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request together with its items in one transaction.
func (r *RequestRepository) Create(ctx context.Context, request *models.Request, items []models.RequestItem) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}
	request.LastModifiedAt = now

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request: %w", err)
	}
	defer tx.Rollback()

	const requestQuery = `INSERT INTO requests (id, user_id, message, created_at, last_modified_at, last_modified_by)
	VALUES (:id, :user_id, :message, :created_at, :last_modified_at, :last_modified_by)`
	if _, err := tx.NamedExecContext(ctx, requestQuery, request); err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	const itemQuery = `INSERT INTO request_items (id, request_id, activity_id, data_type, state, due_date, length, length_prev, created_at, updated_at)
	VALUES (:id, :request_id, :activity_id, :data_type, :state, :due_date, :length, :length_prev, :created_at, :updated_at)`
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		items[i].RequestID = request.ID
		if items[i].State == "" {
			items[i].State = models.StateNew
		}
		items[i].CreatedAt = now
		items[i].UpdatedAt = now
		if _, err := tx.NamedExecContext(ctx, itemQuery, items[i]); err != nil {
			return fmt.Errorf("create request item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

// GetByID fetches one request row.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.Request, error) {
	const query = `SELECT id, user_id, message, created_at, last_modified_at, last_modified_by
	FROM requests WHERE id = $1 LIMIT 1`
	var request models.Request
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return &request, nil
}

// ListItems returns all items of a request ordered by creation.
func (r *RequestRepository) ListItems(ctx context.Context, requestID string) ([]models.RequestItem, error) {
	const query = `SELECT id, request_id, activity_id, data_type, state, due_date, length, length_prev, created_at, updated_at
	FROM request_items WHERE request_id = $1 ORDER BY created_at ASC`
	var items []models.RequestItem
	if err := r.db.SelectContext(ctx, &items, query, requestID); err != nil {
		return nil, fmt.Errorf("list request items: %w", err)
	}
	return items, nil
}

// GetItem fetches one request item.
func (r *RequestRepository) GetItem(ctx context.Context, itemID string) (*models.RequestItem, error) {
	const query = `SELECT id, request_id, activity_id, data_type, state, due_date, length, length_prev, created_at, updated_at
	FROM request_items WHERE id = $1 LIMIT 1`
	var item models.RequestItem
	if err := r.db.GetContext(ctx, &item, query, itemID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get request item: %w", err)
	}
	return &item, nil
}

// ListOpenItems returns every item currently awaiting resolution, joined with
// its activity data type. The trigger sweep iterates this set.
func (r *RequestRepository) ListOpenItems(ctx context.Context) ([]models.RequestItem, error) {
	const query = `SELECT id, request_id, activity_id, data_type, state, due_date, length, length_prev, created_at, updated_at
	FROM request_items WHERE state IN ($1, $2, $3) ORDER BY created_at ASC`
	var items []models.RequestItem
	if err := r.db.SelectContext(ctx, &items, query, models.StateNew, models.StateReopened, models.StateModified); err != nil {
		return nil, fmt.Errorf("list open items: %w", err)
	}
	return items, nil
}

// List returns requests matching the filter with a total count.
func (r *RequestRepository) List(ctx context.Context, filter models.RequestFilter) ([]models.Request, int, error) {
	baseQuery := `FROM requests r WHERE 1=1`
	var conditions []string
	var args []interface{}

	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conditions = append(conditions, fmt.Sprintf("r.user_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, state)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM request_items i WHERE i.request_id = r.id AND i.state IN (%s))",
			strings.Join(placeholders, ",")))
	}
	if filter.DataType != "" {
		args = append(args, filter.DataType)
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM request_items i WHERE i.request_id = r.id AND i.data_type = $%d)", len(args)))
	}
	if filter.CreatedTo != nil {
		args = append(args, *filter.CreatedTo)
		conditions = append(conditions, fmt.Sprintf("r.created_at <= $%d", len(args)))
	}
	if len(conditions) > 0 {
		baseQuery += " AND " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	listQuery := fmt.Sprintf(`SELECT r.id, r.user_id, r.message, r.created_at, r.last_modified_at, r.last_modified_by %s
	ORDER BY r.last_modified_at DESC LIMIT %d OFFSET %d`, baseQuery, limit, offset)

	var requests []models.Request
	if err := r.db.SelectContext(ctx, &requests, listQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", baseQuery)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	return requests, total, nil
}

// UpdateItemState moves an item to next only if it is still in prev, so two
// concurrent approvers cannot both win. Returns sql.ErrNoRows when the item
// was already moved.
func (r *RequestRepository) UpdateItemState(ctx context.Context, itemID string, prev, next models.ItemState) error {
	const query = `UPDATE request_items SET state = $3, updated_at = $4 WHERE id = $1 AND state = $2`
	result, err := r.db.ExecContext(ctx, query, itemID, prev, next, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update item state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check item state rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateItemLength records a length change. The previous length is preserved
// so a later reopen can fall back to it.
func (r *RequestRepository) UpdateItemLength(ctx context.Context, itemID string, length, lengthPrev int64, state models.ItemState) error {
	const query = `UPDATE request_items SET length = $2, length_prev = $3, state = $4, updated_at = $5 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, itemID, length, lengthPrev, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update item length: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check item length rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RestoreItemLength swaps the previous length back in after a modification
// is withdrawn.
func (r *RequestRepository) RestoreItemLength(ctx context.Context, itemID string) error {
	const query = `UPDATE request_items SET length = length_prev, length_prev = 0, updated_at = $2 WHERE id = $1 AND length_prev > 0`
	if _, err := r.db.ExecContext(ctx, query, itemID, time.Now().UTC()); err != nil {
		return fmt.Errorf("restore item length: %w", err)
	}
	return nil
}

// TouchLastModified bumps the request activity stamp.
func (r *RequestRepository) TouchLastModified(ctx context.Context, requestID, actorID string, ts time.Time) error {
	const query = `UPDATE requests SET last_modified_at = $2, last_modified_by = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, requestID, ts, actorID); err != nil {
		return fmt.Errorf("touch request: %w", err)
	}
	return nil
}

// Delete removes a request; items, comments, attachments, subscriptions and
// history cascade at the schema level.
func (r *RequestRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM requests WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}
