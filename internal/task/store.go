package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskpulse/taskpulse/internal/recur"
)

// Store reads tasks from Postgres for the sweep loops and writes the
// recurrence roll-forward.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, title, status, priority, start_at, due_at, is_recurring, recurrence, escalation_level, escalated, deleted`

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	var recurrence []byte
	err := row.Scan(&t.ID, &t.Title, &t.Status, &t.Priority, &t.StartAt, &t.DueAt,
		&t.IsRecurring, &recurrence, &t.EscalationLevel, &t.Escalated, &t.Deleted)
	if err != nil {
		return Task{}, err
	}
	if len(recurrence) > 0 {
		var rule recur.Rule
		if err := json.Unmarshal(recurrence, &rule); err != nil {
			return Task{}, fmt.Errorf("task %d: decode recurrence: %w", t.ID, err)
		}
		t.Recurrence = &rule
	}
	return t, nil
}

func (s *Store) queryWindow(ctx context.Context, column string, from, to time.Time, excludeCompleted bool) ([]Task, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM taskpulse.tasks
		WHERE %s BETWEEN $1 AND $2
		  AND NOT deleted`, taskColumns, column)
	if excludeCompleted {
		q += ` AND status <> 'completed'`
	}
	rows, err := s.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DueWithin returns non-deleted, non-completed tasks whose due timestamp
// falls within [from, to].
func (s *Store) DueWithin(ctx context.Context, from, to time.Time) ([]Task, error) {
	return s.queryWindow(ctx, "due_at", from, to, true)
}

// StartingWithin returns non-deleted tasks whose start timestamp falls
// within [from, to].
func (s *Store) StartingWithin(ctx context.Context, from, to time.Time) ([]Task, error) {
	return s.queryWindow(ctx, "start_at", from, to, false)
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, id int64) (Task, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM taskpulse.tasks WHERE id = $1`, taskColumns), id)
	return scanTask(row)
}

// AdvanceRecurrence rolls a recurring task forward to its next occurrence:
// the due timestamp moves to next, the start timestamp keeps its offset from
// the due timestamp, and status/escalation reset for the new cycle.
func (s *Store) AdvanceRecurrence(ctx context.Context, t Task, next time.Time) error {
	var start *time.Time
	if t.StartAt != nil && t.DueAt != nil {
		shifted := next.Add(-t.DueAt.Sub(*t.StartAt))
		start = &shifted
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE taskpulse.tasks
		SET due_at = $2, start_at = $3, status = 'pending',
		    escalated = FALSE, escalation_level = 0, updated_at = now()
		WHERE id = $1`, t.ID, next, start)
	return err
}

// ProcessEscalations marks overdue, not-yet-escalated tasks as escalated and
// returns how many were affected. Safe to call repeatedly: already-escalated
// tasks are excluded.
func (s *Store) ProcessEscalations(ctx context.Context) (int, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE taskpulse.tasks
		SET escalated = TRUE, escalation_level = escalation_level + 1, updated_at = now()
		WHERE due_at < now()
		  AND status <> 'completed'
		  AND NOT deleted
		  AND NOT escalated`)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}
