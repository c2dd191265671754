// Package executor performs outbound action calls: request building from
// the definition and task data, the HTTP round trip, and the audit record.
package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskpulse/taskpulse/internal/action"
	"github.com/taskpulse/taskpulse/internal/task"
	"github.com/taskpulse/taskpulse/internal/template"
	"github.com/taskpulse/taskpulse/internal/tracing"
)

const maxResponseBody = 4 << 10

// Store is the slice of the action store the executor needs.
type Store interface {
	Definition(ctx context.Context, id int64) (action.Definition, error)
	InsertRecord(ctx context.Context, r action.CallRecord) error
}

// request is a fully resolved outbound call.
type request struct {
	url     string
	method  string
	headers map[string]string
	body    string
}

// buildRequest resolves the definition's templates against the task data.
// Methods without a request body carry the data as query parameters instead.
func buildRequest(def action.Definition, data map[string]any) (request, error) {
	root := template.FromAny(data)
	req := request{
		url:     template.Resolve(def.URL, root),
		method:  def.Method,
		headers: make(map[string]string, len(def.Headers)),
	}
	for k, v := range def.Headers {
		req.headers[k] = template.Resolve(v, root)
	}

	switch def.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body := def.BodyTemplate
		if body == "" {
			body = defaultBody(data)
		}
		req.body = template.Resolve(body, root)
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		u, err := url.Parse(req.url)
		if err != nil {
			return request{}, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		for k, v := range data {
			q.Set(k, template.FromAny(v).Text())
		}
		u.RawQuery = q.Encode()
		req.url = u.String()
	default:
		return request{}, fmt.Errorf("unsupported method %q", def.Method)
	}
	return req, nil
}

// defaultBody renders the task data as a JSON template when the definition
// has none of its own.
func defaultBody(data map[string]any) string {
	var b strings.Builder
	b.WriteString("{")
	first := true
	for k := range data {
		if !first {
			b.WriteString(",")
		}
		first = false
		fmt.Fprintf(&b, "%q:%q", k, "{{"+k+"}}")
	}
	b.WriteString("}")
	return b.String()
}

// result is the outcome of one HTTP attempt.
type result struct {
	status   int
	body     string
	err      error
	duration time.Duration
}

func (r result) success() bool {
	return r.err == nil && r.status >= 200 && r.status < 300
}

func (r result) errString() string {
	if r.err == nil {
		return ""
	}
	return r.err.Error()
}

// doCall executes one attempt of the resolved request.
func doCall(ctx context.Context, client *http.Client, req request) result {
	var bodyReader io.Reader
	if req.body != "" {
		bodyReader = strings.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, bodyReader)
	if err != nil {
		return result{err: fmt.Errorf("build request: %w", err)}
	}
	if req.body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := client.Do(httpReq)
	res := result{duration: time.Since(start), err: doErr}
	if doErr != nil {
		return res
	}
	defer resp.Body.Close()
	res.status = resp.StatusCode
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res.body = string(b)
	return res
}

// Perform executes one action immediately, outside the queue, and writes
// its call record. Used for manual execution from the admin surface.
func Perform(ctx context.Context, store Store, client *http.Client, definitionID, taskID int64, event task.Event, data map[string]any) (action.CallRecord, error) {
	def, err := store.Definition(ctx, definitionID)
	if err != nil {
		return action.CallRecord{}, fmt.Errorf("load definition: %w", err)
	}

	req, err := buildRequest(def, data)
	if err != nil {
		return action.CallRecord{}, err
	}

	res := doCall(ctx, client, req)
	rec := action.CallRecord{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		TaskID:       taskID,
		Event:        event,
		URL:          req.url,
		Method:       req.method,
		Headers:      req.headers,
		Body:         req.body,
		Status:       res.status,
		ResponseBody: res.body,
		Error:        res.errString(),
		DurationMS:   res.duration.Milliseconds(),
		Success:      res.success(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.InsertRecord(ctx, rec); err != nil {
		return rec, fmt.Errorf("insert call record: %w", err)
	}
	return rec, nil
}
