package executor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/taskpulse/taskpulse/internal/action"
	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/task"
)

type fakeDelegate struct {
	finished int
	requeued int
	delay    time.Duration
}

func (d *fakeDelegate) OnFinish(m *nsq.Message) { d.finished++ }
func (d *fakeDelegate) OnRequeue(m *nsq.Message, delay time.Duration, backoff bool) {
	d.requeued++
	d.delay = delay
}
func (d *fakeDelegate) OnTouch(m *nsq.Message) {}

type fakeDLQ struct {
	published [][]byte
	topics    []string
}

func (f *fakeDLQ) Publish(topic string, body []byte) error {
	f.topics = append(f.topics, topic)
	f.published = append(f.published, body)
	return nil
}

func testRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		JitterPct:   0,
		PublishDLQ:  true,
	}
}

func testLogger() *logging.Logger {
	return logging.NewTo("executor-test", io.Discard)
}

func jobMessage(t *testing.T, job action.Job, attempts uint16) (*nsq.Message, *fakeDelegate) {
	t.Helper()
	b, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	m := nsq.NewMessage(nsq.MessageID{}, b)
	m.Attempts = attempts
	d := &fakeDelegate{}
	m.Delegate = d
	return m, d
}

func testJob() action.Job {
	return action.Job{
		JobID:        "job-1",
		BindingID:    1,
		DefinitionID: 9,
		TaskID:       7,
		Event:        task.EventOverdue,
		Data:         map[string]any{"Title": "X"},
	}
}

func TestHandlerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{def: action.Definition{
		ID: 9, Name: "notify", URL: srv.URL, Method: http.MethodPost, Active: true,
	}}
	h := NewHandler(store, srv.Client(), &fakeDLQ{}, testLogger(), testRetry(), "actions_dlq")

	m, d := jobMessage(t, testJob(), 1)
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("finished = %d, requeued = %d, want 1/0", d.finished, d.requeued)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	rec := store.records[0]
	if !rec.Success || rec.Status != http.StatusOK {
		t.Errorf("record = %+v", rec)
	}
	if rec.ID != "job-1" {
		t.Errorf("record id = %q, want job id", rec.ID)
	}
}

func TestHandlerRequeuesNonFinalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := &fakeStore{def: action.Definition{
		ID: 9, Name: "notify", URL: srv.URL, Method: http.MethodPost, Active: true,
	}}
	h := NewHandler(store, srv.Client(), &fakeDLQ{}, testLogger(), testRetry(), "actions_dlq")

	m, d := jobMessage(t, testJob(), 1)
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if d.requeued != 1 || d.finished != 0 {
		t.Errorf("requeued = %d, finished = %d, want 1/0", d.requeued, d.finished)
	}
	if d.delay != time.Second {
		t.Errorf("delay = %v, want 1s for first retry", d.delay)
	}
	if len(store.records) != 0 {
		t.Errorf("records = %d, want 0 before final attempt", len(store.records))
	}
}

func TestHandlerSecondRetryUsesNextBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := &fakeStore{def: action.Definition{
		ID: 9, Name: "notify", URL: srv.URL, Method: http.MethodPost, Active: true,
	}}
	h := NewHandler(store, srv.Client(), &fakeDLQ{}, testLogger(), testRetry(), "actions_dlq")

	m, d := jobMessage(t, testJob(), 2)
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if d.delay != 2*time.Second {
		t.Errorf("delay = %v, want 2s for second retry", d.delay)
	}
}

func TestHandlerFinalFailureRecordsAndDLQs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := &fakeStore{def: action.Definition{
		ID: 9, Name: "notify", URL: srv.URL, Method: http.MethodPost, Active: true,
	}}
	dlq := &fakeDLQ{}
	h := NewHandler(store, srv.Client(), dlq, testLogger(), testRetry(), "actions_dlq")

	m, d := jobMessage(t, testJob(), 3)
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("finished = %d, requeued = %d, want 1/0", d.finished, d.requeued)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	if store.records[0].Success {
		t.Error("final record marked success")
	}

	if len(dlq.published) != 1 {
		t.Fatalf("dlq published = %d, want 1", len(dlq.published))
	}
	if dlq.topics[0] != "actions_dlq" {
		t.Errorf("dlq topic = %q", dlq.topics[0])
	}
	var env action.DeadLetter
	if err := json.Unmarshal(dlq.published[0], &env); err != nil {
		t.Fatalf("unmarshal dead letter: %v", err)
	}
	if env.Type != action.DLQType || env.Attempt != 3 || env.HTTPStatus != http.StatusBadGateway {
		t.Errorf("dead letter = %+v", env)
	}
	if env.Job.JobID != "job-1" {
		t.Errorf("dead letter job = %+v", env.Job)
	}
}

func TestHandlerBadPayloadIsTerminal(t *testing.T) {
	h := NewHandler(&fakeStore{}, http.DefaultClient, &fakeDLQ{}, testLogger(), testRetry(), "actions_dlq")

	m := nsq.NewMessage(nsq.MessageID{}, []byte("{not json"))
	d := &fakeDelegate{}
	m.Delegate = d

	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("finished = %d, requeued = %d, want 1/0", d.finished, d.requeued)
	}
}

func TestHandlerUnbuildableRequestIsTerminal(t *testing.T) {
	store := &fakeStore{def: action.Definition{
		ID: 9, Name: "x", URL: "https://example.com", Method: "TRACE", Active: true,
	}}
	h := NewHandler(store, http.DefaultClient, &fakeDLQ{}, testLogger(), testRetry(), "actions_dlq")

	m, d := jobMessage(t, testJob(), 1)
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("finished = %d, requeued = %d, want 1/0", d.finished, d.requeued)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	if store.records[0].Success {
		t.Error("record marked success for unbuildable request")
	}
}
