package models

import "time"

// Activity is a course activity (assignment, quiz, ...) whose due date may
// be extended per user via overrides.
type Activity struct {
	ID         string     `db:"id" json:"id"`
	CourseID   string     `db:"course_id" json:"courseId"`
	CourseName string     `db:"course_name" json:"courseName"`
	Name       string     `db:"name" json:"name"`
	DataType   string     `db:"data_type" json:"dataType"`
	DueDate    *time.Time `db:"due_date" json:"dueDate,omitempty"`
}

// DueDateEvent is a calendar entry announcing an activity deadline. Each
// activity handler claims at most one event kind per activity.
type DueDateEvent struct {
	ID         string    `db:"id" json:"id"`
	ActivityID string    `db:"activity_id" json:"activityId"`
	EventType  string    `db:"event_type" json:"eventType"`
	Title      string    `db:"title" json:"title"`
	StartAt    time.Time `db:"start_at" json:"startAt"`
}

// CandidateEvent pairs an activity with the due-date event a handler claimed.
type CandidateEvent struct {
	Activity Activity     `json:"activity"`
	Event    DueDateEvent `json:"event"`
}

// Override is a per-user due-date exception on an activity. At most one
// override exists per (activity, user).
type Override struct {
	ID         string    `db:"id" json:"id"`
	ActivityID string    `db:"activity_id" json:"activityId"`
	UserID     string    `db:"user_id" json:"userId"`
	DueDate    time.Time `db:"due_date" json:"dueDate"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}
