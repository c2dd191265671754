package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/taskpulse/taskpulse/internal/action"
	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/task"
)

type fakeDispatcher struct {
	calls []struct {
		taskID int64
		event  task.Event
	}
	lastData map[string]any
	err      error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, taskID int64, event task.Event, data map[string]any) error {
	f.calls = append(f.calls, struct {
		taskID int64
		event  task.Event
	}{taskID, event})
	f.lastData = data
	return f.err
}

type fakeTasks struct {
	task task.Task
	err  error
}

func (f *fakeTasks) Get(ctx context.Context, id int64) (task.Task, error) {
	return f.task, f.err
}

type fakeActions struct {
	def     action.Definition
	defErr  error
	records []action.CallRecord
	listErr error
}

func (f *fakeActions) Definition(ctx context.Context, id int64) (action.Definition, error) {
	return f.def, f.defErr
}

func (f *fakeActions) InsertRecord(ctx context.Context, r action.CallRecord) error {
	f.records = append(f.records, r)
	return nil
}

func (f *fakeActions) ListRecords(ctx context.Context, taskID int64, limit int) ([]action.CallRecord, error) {
	return f.records, f.listErr
}

type fakeSettings struct {
	values map[string]string
	err    error
}

func (f *fakeSettings) All(ctx context.Context) (map[string]string, error) {
	return f.values, f.err
}

func (f *fakeSettings) Set(ctx context.Context, key, value string) error {
	if f.err != nil {
		return f.err
	}
	f.values[key] = value
	return nil
}

func newTestServer(t *testing.T, disp *fakeDispatcher, tasks *fakeTasks, actions *fakeActions, set *fakeSettings) *httptest.Server {
	t.Helper()
	logger := logging.NewTo("api-test", io.Discard)
	srv := NewServer(disp, tasks, actions, set, http.DefaultClient, nil, nil, logger)
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestTriggerEvent(t *testing.T) {
	disp := &fakeDispatcher{}
	ts := newTestServer(t, disp, &fakeTasks{task: task.Task{ID: 7, Title: "X"}}, &fakeActions{}, &fakeSettings{})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/events/trigger",
		`{"task_id":7,"event":"task_overdue"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if len(disp.calls) != 1 || disp.calls[0].event != task.EventOverdue {
		t.Fatalf("dispatch calls = %+v", disp.calls)
	}
}

// Date+time payload fields are interpreted in the configured input offset
// and land in the substitution data as a UTC instant.
func TestTriggerDueDateOverride(t *testing.T) {
	loc, err := task.ParseOffset("+05:30")
	if err != nil {
		t.Fatalf("parse offset: %v", err)
	}

	disp := &fakeDispatcher{}
	logger := logging.NewTo("api-test", io.Discard)
	srv := NewServer(disp, &fakeTasks{task: task.Task{ID: 7, Title: "X"}}, &fakeActions{}, &fakeSettings{},
		http.DefaultClient, loc, nil, logger)
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/events/trigger",
		`{"task_id":7,"event":"task_overdue","due_date":"2026-03-01","due_time":"09:00"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	// 09:00 at +05:30 is 03:30 UTC.
	if got := disp.lastData["DueAt"]; got != "2026-03-01T03:30:00Z" {
		t.Errorf("DueAt = %v, want 2026-03-01T03:30:00Z", got)
	}
	if disp.lastData["Title"] != "X" {
		t.Errorf("task snapshot dropped: data = %v", disp.lastData)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/events/trigger",
		`{"task_id":7,"event":"task_overdue","due_date":"not-a-date"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date status = %d, want 400", resp.StatusCode)
	}
}

func TestTriggerValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "missing task id", body: `{"event":"task_overdue"}`, want: http.StatusBadRequest},
		{name: "unknown event", body: `{"task_id":7,"event":"task_exploded"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeDispatcher{}, &fakeTasks{}, &fakeActions{}, &fakeSettings{})
			resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/events/trigger", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestTriggerDispatchError(t *testing.T) {
	disp := &fakeDispatcher{err: errors.New("nsqd down")}
	ts := newTestServer(t, disp, &fakeTasks{}, &fakeActions{}, &fakeSettings{})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/events/trigger",
		`{"task_id":7,"event":"task_overdue","data":{"Title":"X"}}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestExecuteAction(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	actions := &fakeActions{def: action.Definition{
		ID: 9, Name: "notify", URL: target.URL, Method: http.MethodPost, Active: true,
	}}
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTasks{task: task.Task{ID: 7, Title: "X"}}, actions, &fakeSettings{})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/actions/9/execute",
		`{"task_id":7,"event":"task_overdue"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %v)", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Errorf("record = %v", body)
	}
	if len(actions.records) != 1 {
		t.Fatalf("records = %d, want 1", len(actions.records))
	}
}

func TestExecuteActionBadID(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTasks{}, &fakeActions{}, &fakeSettings{})
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/actions/zero/execute", `{"task_id":7}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSettings(t *testing.T) {
	set := &fakeSettings{values: map[string]string{"sweep.window_value": "10"}}
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTasks{}, &fakeActions{}, set)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/settings", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["sweep.window_value"] != "10" {
		t.Errorf("body = %v", body)
	}
}

func TestPutSettings(t *testing.T) {
	set := &fakeSettings{values: map[string]string{}}
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTasks{}, &fakeActions{}, set)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/settings",
		`{"sweep.window_value":"20","sweep.window_unit":"minutes"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if set.values["sweep.window_value"] != "20" {
		t.Errorf("values = %v", set.values)
	}
}

func TestPutSettingsUnknownKey(t *testing.T) {
	set := &fakeSettings{values: map[string]string{}}
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTasks{}, &fakeActions{}, set)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/settings", `{"sweep.bogus":"1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(set.values) != 0 {
		t.Errorf("values = %v, want untouched", set.values)
	}
}

func TestListRecords(t *testing.T) {
	actions := &fakeActions{records: []action.CallRecord{
		{ID: "r1", TaskID: 7, Success: true, CreatedAt: time.Now()},
		{ID: "r2", TaskID: 7, Success: false, CreatedAt: time.Now()},
	}}
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTasks{}, actions, &fakeSettings{})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/v1/records?task_id=7&limit=10", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	recs, ok := body["records"].([]any)
	if !ok || len(recs) != 2 {
		t.Fatalf("records = %v", body["records"])
	}
}

func TestListRecordsInvalidParams(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, &fakeTasks{}, &fakeActions{}, &fakeSettings{})

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/records?task_id=abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
