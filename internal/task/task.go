// Package task holds the task model the engine consumes and the store
// queries it needs. Tasks are owned by the CRUD layer; this package only
// reads them and rolls recurring tasks forward.
package task

import (
	"time"

	"github.com/taskpulse/taskpulse/internal/recur"
)

// Status is the task's lifecycle state as stored by the CRUD layer.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusReopened   Status = "reopened"
)

// Event is a task lifecycle event that can trigger actions.
type Event string

const (
	EventCreated           Event = "task_created"
	EventUpdated           Event = "task_updated"
	EventStarted           Event = "task_started"
	EventCompleted         Event = "task_completed"
	EventReopened          Event = "task_reopened"
	EventOverdue           Event = "task_overdue"
	EventEscalated         Event = "task_escalated"
	EventAssignmentChanged Event = "task_assignment_changed"
	EventDeleted           Event = "task_deleted"
)

// Events lists all known lifecycle events.
var Events = []Event{
	EventCreated,
	EventUpdated,
	EventStarted,
	EventCompleted,
	EventReopened,
	EventOverdue,
	EventEscalated,
	EventAssignmentChanged,
	EventDeleted,
}

// Valid reports whether e is a known lifecycle event.
func (e Event) Valid() bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// Idempotent reports whether e is a lifecycle milestone that should trigger
// actions at most once per task.
func (e Event) Idempotent() bool {
	switch e {
	case EventCreated, EventStarted, EventCompleted, EventOverdue, EventEscalated, EventReopened:
		return true
	}
	return false
}

// Task is the engine's read view of a task row.
type Task struct {
	ID              int64       `json:"id"`
	Title           string      `json:"title"`
	Status          Status      `json:"status"`
	Priority        int         `json:"priority"`
	StartAt         *time.Time  `json:"start_at,omitempty"`
	DueAt           *time.Time  `json:"due_at,omitempty"`
	IsRecurring     bool        `json:"is_recurring"`
	Recurrence      *recur.Rule `json:"recurrence,omitempty"`
	EscalationLevel int         `json:"escalation_level"`
	Escalated       bool        `json:"escalated"`
	Deleted         bool        `json:"deleted"`
}

// Data returns the task fields as template substitution data.
func (t Task) Data() map[string]any {
	d := map[string]any{
		"Id":              t.ID,
		"Title":           t.Title,
		"Status":          string(t.Status),
		"Priority":        t.Priority,
		"IsRecurring":     t.IsRecurring,
		"EscalationLevel": t.EscalationLevel,
	}
	if t.StartAt != nil {
		d["StartAt"] = t.StartAt.UTC().Format(time.RFC3339)
	}
	if t.DueAt != nil {
		d["DueAt"] = t.DueAt.UTC().Format(time.RFC3339)
	}
	return d
}
