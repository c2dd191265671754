// Package action holds the outbound action model: definitions and bindings
// configured by the CRUD layer, the job envelope carried through the queue,
// and the immutable call records written by the executor.
package action

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/taskpulse/taskpulse/internal/task"
)

// Definition describes one configured outbound call.
type Definition struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate string            `json:"body_template,omitempty"`
	Active       bool              `json:"active"`
}

// Validate checks a definition eagerly so misconfigured actions fail at load
// rather than at dispatch time.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("action definition %d: name is required", d.ID)
	}
	if _, err := url.ParseRequestURI(d.URL); err != nil {
		return fmt.Errorf("action definition %d: invalid url: %w", d.ID, err)
	}
	switch d.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead:
		return nil
	}
	return fmt.Errorf("action definition %d: unsupported method %q", d.ID, d.Method)
}

// Binding links a task to a definition for one trigger event.
type Binding struct {
	ID           int64      `json:"id"`
	TaskID       int64      `json:"task_id"`
	DefinitionID int64      `json:"definition_id"`
	Event        task.Event `json:"trigger_event"`
	Active       bool       `json:"active"`
}

// BoundAction is a binding joined with its definition, as returned by the
// dispatch lookup.
type BoundAction struct {
	Binding    Binding
	Definition Definition
}

// Job is the envelope for one executable action, published to the actions
// topic by the dispatcher and consumed by the executor.
type Job struct {
	JobID        string            `json:"job_id"`
	BindingID    int64             `json:"binding_id"`
	DefinitionID int64             `json:"definition_id"`
	TaskID       int64             `json:"task_id"`
	Event        task.Event        `json:"event"`
	Data         map[string]any    `json:"data,omitempty"`
	Attempt      int               `json:"attempt"`
	PublishedAt  string            `json:"published_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// CallRecord is the immutable audit record of one dispatch attempt-set. The
// executor writes exactly one record per job: the final outcome, not each
// retry.
type CallRecord struct {
	ID           string            `json:"id"`
	BindingID    int64             `json:"binding_id"`
	DefinitionID int64             `json:"definition_id"`
	TaskID       int64             `json:"task_id"`
	Event        task.Event        `json:"trigger_event"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	Status       int               `json:"http_status,omitempty"`
	ResponseBody string            `json:"response_body,omitempty"`
	Error        string            `json:"error,omitempty"`
	DurationMS   int64             `json:"duration_ms"`
	Success      bool              `json:"success"`
	CreatedAt    time.Time         `json:"created_at"`
}

const DLQType = "action.dlq"

// DeadLetter wraps a job that exhausted its retry budget.
type DeadLetter struct {
	Type       string `json:"type"`    // "action.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string `json:"reason"`  // human/debug text
	Attempt    int    `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Job        Job    `json:"job"` // full job snapshot
}

func NewDeadLetter(j Job, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Job:        j,
	}
}
