package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/extension-api/internal/models"
)

// ActivityRepository reads course activities and their calendar events.
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository constructs the repository.
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// GetByID fetches one activity.
func (r *ActivityRepository) GetByID(ctx context.Context, id string) (*models.Activity, error) {
	const query = `SELECT id, course_id, course_name, name, data_type, due_date
	FROM activities WHERE id = $1 LIMIT 1`
	var activity models.Activity
	if err := r.db.GetContext(ctx, &activity, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get activity: %w", err)
	}
	return &activity, nil
}

// ListEventsInWindow returns due-date calendar events for activities the user
// is enrolled in, whose start falls inside [from, until]. Handlers filter the
// result down to the event kinds they claim.
func (r *ActivityRepository) ListEventsInWindow(ctx context.Context, userID string, from, until time.Time) ([]models.CandidateEvent, error) {
	const query = `SELECT a.id, a.course_id, a.course_name, a.name, a.data_type, a.due_date,
	       e.id AS event_id, e.activity_id AS event_activity_id, e.event_type, e.title, e.start_at
	FROM activity_events e
	JOIN activities a ON a.id = e.activity_id
	JOIN enrollments en ON en.course_id = a.course_id AND en.user_id = $1
	WHERE e.start_at BETWEEN $2 AND $3
	ORDER BY e.start_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, userID, from, until)
	if err != nil {
		return nil, fmt.Errorf("list events in window: %w", err)
	}
	defer rows.Close()

	var events []models.CandidateEvent
	for rows.Next() {
		var row struct {
			models.Activity
			EventID         string    `db:"event_id"`
			EventActivityID string    `db:"event_activity_id"`
			EventType       string    `db:"event_type"`
			Title           string    `db:"title"`
			StartAt         time.Time `db:"start_at"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, models.CandidateEvent{
			Activity: row.Activity,
			Event: models.DueDateEvent{
				ID:         row.EventID,
				ActivityID: row.EventActivityID,
				EventType:  row.EventType,
				Title:      row.Title,
				StartAt:    row.StartAt,
			},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}
