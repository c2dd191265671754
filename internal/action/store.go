package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskpulse/taskpulse/internal/task"
)

// Store reads action configuration and writes call records. Call records are
// insert-only; they double as the idempotency source of truth.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ActiveBindings returns the bindings for (taskID, event) whose definition is
// also active, joined with their definitions.
func (s *Store) ActiveBindings(ctx context.Context, taskID int64, event task.Event) ([]BoundAction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.id, b.task_id, b.definition_id, b.trigger_event, b.active,
		       d.id, d.name, d.url, d.method, d.headers, d.body_template, d.active
		FROM taskpulse.task_action_bindings b
		JOIN taskpulse.action_definitions d ON d.id = b.definition_id
		WHERE b.task_id = $1 AND b.trigger_event = $2 AND b.active AND d.active`,
		taskID, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bound []BoundAction
	for rows.Next() {
		var ba BoundAction
		var headers []byte
		err := rows.Scan(
			&ba.Binding.ID, &ba.Binding.TaskID, &ba.Binding.DefinitionID, &ba.Binding.Event, &ba.Binding.Active,
			&ba.Definition.ID, &ba.Definition.Name, &ba.Definition.URL, &ba.Definition.Method,
			&headers, &ba.Definition.BodyTemplate, &ba.Definition.Active)
		if err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &ba.Definition.Headers); err != nil {
				return nil, fmt.Errorf("binding %d: decode headers: %w", ba.Binding.ID, err)
			}
		}
		bound = append(bound, ba)
	}
	return bound, rows.Err()
}

// Definition returns a single definition by id.
func (s *Store) Definition(ctx context.Context, id int64) (Definition, error) {
	var d Definition
	var headers []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, url, method, headers, body_template, active
		FROM taskpulse.action_definitions WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.URL, &d.Method, &headers, &d.BodyTemplate, &d.Active)
	if err != nil {
		return Definition{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &d.Headers); err != nil {
			return Definition{}, fmt.Errorf("definition %d: decode headers: %w", id, err)
		}
	}
	return d, nil
}

// InsertRecord persists one immutable call record.
func (s *Store) InsertRecord(ctx context.Context, r CallRecord) error {
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO taskpulse.action_call_records
		  (id, binding_id, definition_id, task_id, trigger_event, url, method,
		   headers, body, http_status, response_body, error, duration_ms, success)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.BindingID, r.DefinitionID, r.TaskID, r.Event, r.URL, r.Method,
		headers, r.Body, r.Status, r.ResponseBody, r.Error, r.DurationMS, r.Success)
	return err
}

// EventTriggered reports whether any call record exists for (taskID, event).
func (s *Store) EventTriggered(ctx context.Context, taskID int64, event task.Event) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM taskpulse.action_call_records
			WHERE task_id = $1 AND trigger_event = $2)`,
		taskID, event).Scan(&exists)
	return exists, err
}

// EventTriggeredWithin reports whether a call record for (taskID, event) was
// created within the given window before now.
func (s *Store) EventTriggeredWithin(ctx context.Context, taskID int64, event task.Event, window time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM taskpulse.action_call_records
			WHERE task_id = $1 AND trigger_event = $2 AND created_at > now() - $3::interval)`,
		taskID, event, window.String()).Scan(&exists)
	return exists, err
}

// ListRecords returns the most recent call records, optionally filtered by
// task.
func (s *Store) ListRecords(ctx context.Context, taskID int64, limit int) ([]CallRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := `
		SELECT id, binding_id, definition_id, task_id, trigger_event, url, method,
		       headers, body, http_status, response_body, error, duration_ms, success, created_at
		FROM taskpulse.action_call_records`
	args := []any{}
	if taskID > 0 {
		q += ` WHERE task_id = $1`
		args = append(args, taskID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var r CallRecord
		var headers []byte
		err := rows.Scan(&r.ID, &r.BindingID, &r.DefinitionID, &r.TaskID, &r.Event,
			&r.URL, &r.Method, &headers, &r.Body, &r.Status, &r.ResponseBody,
			&r.Error, &r.DurationMS, &r.Success, &r.CreatedAt)
		if err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &r.Headers)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
