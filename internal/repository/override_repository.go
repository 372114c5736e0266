package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/extension-api/internal/models"
)

// OverrideRepository persists per-user due-date overrides on activities.
type OverrideRepository struct {
	db *sqlx.DB
}

// NewOverrideRepository constructs the repository.
func NewOverrideRepository(db *sqlx.DB) *OverrideRepository {
	return &OverrideRepository{db: db}
}

// Upsert writes the override for (activity, user), replacing any earlier due
// date. Approving the same item twice therefore converges on one row.
func (r *OverrideRepository) Upsert(ctx context.Context, override *models.Override) error {
	if override.ID == "" {
		override.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if override.CreatedAt.IsZero() {
		override.CreatedAt = now
	}
	override.UpdatedAt = now
	const query = `INSERT INTO activity_overrides (id, activity_id, user_id, due_date, created_at, updated_at)
	VALUES (:id, :activity_id, :user_id, :due_date, :created_at, :updated_at)
	ON CONFLICT (activity_id, user_id) DO UPDATE SET due_date = EXCLUDED.due_date, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, override); err != nil {
		return fmt.Errorf("upsert override: %w", err)
	}
	return nil
}

// Get returns the override for (activity, user), or sql.ErrNoRows.
func (r *OverrideRepository) Get(ctx context.Context, activityID, userID string) (*models.Override, error) {
	const query = `SELECT id, activity_id, user_id, due_date, created_at, updated_at
	FROM activity_overrides WHERE activity_id = $1 AND user_id = $2 LIMIT 1`
	var override models.Override
	if err := r.db.GetContext(ctx, &override, query, activityID, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get override: %w", err)
	}
	return &override, nil
}

// Delete removes the override for (activity, user). Deleting an absent
// override is not an error.
func (r *OverrideRepository) Delete(ctx context.Context, activityID, userID string) error {
	const query = `DELETE FROM activity_overrides WHERE activity_id = $1 AND user_id = $2`
	if _, err := r.db.ExecContext(ctx, query, activityID, userID); err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	return nil
}
