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

// RuleRepository persists trigger rules.
type RuleRepository struct {
	db *sqlx.DB
}

// NewRuleRepository constructs the repository.
func NewRuleRepository(db *sqlx.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `id, name, data_type, priority, parent_id, role, action,
       length_type, length_from_due, elapsed_type, elapsed_weekdays,
       template_notify, template_user, created_at, updated_at`

// Create inserts a rule row.
func (r *RuleRepository) Create(ctx context.Context, rule *models.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	const query = `INSERT INTO trigger_rules
	(id, name, data_type, priority, parent_id, role, action, length_type, length_from_due, elapsed_type, elapsed_weekdays, template_notify, template_user, created_at, updated_at)
	VALUES (:id, :name, :data_type, :priority, :parent_id, :role, :action, :length_type, :length_from_due, :elapsed_type, :elapsed_weekdays, :template_notify, :template_user, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, rule); err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

// GetByID fetches one rule.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*models.Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM trigger_rules WHERE id = $1 LIMIT 1`, ruleColumns)
	var rule models.Rule
	if err := r.db.GetContext(ctx, &rule, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &rule, nil
}

// ListAll returns every rule ordered by priority then name.
func (r *RuleRepository) ListAll(ctx context.Context) ([]models.Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM trigger_rules ORDER BY priority ASC, name ASC`, ruleColumns)
	var rules []models.Rule
	if err := r.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// ListByDataType returns the rules scoped to one activity type.
func (r *RuleRepository) ListByDataType(ctx context.Context, dataType string) ([]models.Rule, error) {
	query := fmt.Sprintf(`SELECT %s FROM trigger_rules WHERE data_type = $1 ORDER BY priority ASC, name ASC`, ruleColumns)
	var rules []models.Rule
	if err := r.db.SelectContext(ctx, &rules, query, dataType); err != nil {
		return nil, fmt.Errorf("list rules by type: %w", err)
	}
	return rules, nil
}

// FindMatching returns an existing rule with the same configuration, if any.
// Imports reuse the match instead of inserting a duplicate row.
func (r *RuleRepository) FindMatching(ctx context.Context, rule *models.Rule) (*models.Rule, error) {
	conditions := []string{
		"name = $1", "data_type = $2", "priority = $3", "role = $4", "action = $5",
		"length_type = $6", "length_from_due = $7", "elapsed_type = $8", "elapsed_weekdays = $9",
	}
	args := []interface{}{
		rule.Name, rule.DataType, rule.Priority, rule.Role, rule.Action,
		rule.LengthType, rule.LengthFromDue, rule.ElapsedType, rule.ElapsedWeekdays,
	}
	if rule.ParentID != nil {
		args = append(args, *rule.ParentID)
		conditions = append(conditions, fmt.Sprintf("parent_id = $%d", len(args)))
	} else {
		conditions = append(conditions, "parent_id IS NULL")
	}
	query := fmt.Sprintf(`SELECT %s FROM trigger_rules WHERE %s LIMIT 1`,
		ruleColumns, strings.Join(conditions, " AND "))

	var found models.Rule
	if err := r.db.GetContext(ctx, &found, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find matching rule: %w", err)
	}
	return &found, nil
}

// Update rewrites every configurable column of a rule.
func (r *RuleRepository) Update(ctx context.Context, rule *models.Rule) error {
	rule.UpdatedAt = time.Now().UTC()
	const query = `UPDATE trigger_rules SET name = :name, data_type = :data_type, priority = :priority,
	parent_id = :parent_id, role = :role, action = :action, length_type = :length_type,
	length_from_due = :length_from_due, elapsed_type = :elapsed_type, elapsed_weekdays = :elapsed_weekdays,
	template_notify = :template_notify, template_user = :template_user, updated_at = :updated_at
	WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, rule)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rule update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkFired records that a rule fired for an item. Returns false when the
// pair was already recorded, which makes repeated sweeps idempotent.
func (r *RuleRepository) MarkFired(ctx context.Context, ruleID, itemID string) (bool, error) {
	const query = `INSERT INTO rule_firings (rule_id, item_id, fired_at) VALUES ($1, $2, $3)
	ON CONFLICT (rule_id, item_id) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query, ruleID, itemID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark rule fired: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rule firing rows: %w", err)
	}
	return rows > 0, nil
}

// DeleteSubtree removes a rule together with every descendant and returns
// the number of rows deleted.
func (r *RuleRepository) DeleteSubtree(ctx context.Context, id string) (int, error) {
	const query = `WITH RECURSIVE subtree AS (
		SELECT id FROM trigger_rules WHERE id = $1
		UNION ALL
		SELECT t.id FROM trigger_rules t JOIN subtree s ON t.parent_id = s.id
	)
	DELETE FROM trigger_rules WHERE id IN (SELECT id FROM subtree)`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("delete rule subtree: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rule delete rows: %w", err)
	}
	return int(rows), nil
}
