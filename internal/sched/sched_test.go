package sched

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/task"
)

type published struct {
	topic string
	delay time.Duration
	body  []byte
}

type fakeProducer struct {
	mu        sync.Mutex
	published []published
	err       error
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	return f.DeferredPublish(topic, 0, body)
}

func (f *fakeProducer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{topic: topic, delay: delay, body: body})
	return nil
}

func (f *fakeProducer) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func testLogger() *logging.Logger {
	return logging.NewTo("sched-test", io.Discard)
}

func taskDueAt(id int64, due time.Time) task.Task {
	return task.Task{ID: id, Title: "t", Status: task.StatusPending, DueAt: &due}
}

func TestSetMarkForget(t *testing.T) {
	s := NewSet()

	if !s.Mark(KindDue, 1) {
		t.Fatal("first Mark returned false")
	}
	if s.Mark(KindDue, 1) {
		t.Fatal("second Mark returned true")
	}
	if !s.Mark(KindStart, 1) {
		t.Fatal("Mark for other kind returned false")
	}
	if !s.Contains(KindDue, 1) {
		t.Fatal("Contains(due, 1) = false")
	}

	s.Forget(KindDue, 1)
	if s.Contains(KindDue, 1) {
		t.Fatal("Contains after Forget = true")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestSchedulerDelayComputation(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 50, 0, 0, time.UTC)

	tests := []struct {
		name      string
		due       time.Time
		maxDelay  time.Duration
		wantDelay time.Duration
		wantSkip  bool
	}{
		{
			name:      "future due within window",
			due:       time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC),
			maxDelay:  15 * time.Minute,
			wantDelay: 10 * time.Minute,
		},
		{
			name:      "past due clamps to zero",
			due:       time.Date(2025, 1, 10, 9, 45, 0, 0, time.UTC),
			maxDelay:  15 * time.Minute,
			wantDelay: 0,
		},
		{
			name:     "beyond max delay is skipped",
			due:      time.Date(2025, 1, 10, 11, 0, 0, 0, time.UTC),
			maxDelay: 15 * time.Minute,
			wantSkip: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prod := &fakeProducer{}
			sched := NewScheduler(prod, NewSet(), testLogger(), "occurrences")
			sched.now = func() time.Time { return now }

			err := sched.Schedule(context.Background(), taskDueAt(7, tt.due), KindDue, tt.maxDelay)
			if err != nil {
				t.Fatalf("Schedule() error: %v", err)
			}

			got := prod.all()
			if tt.wantSkip {
				if len(got) != 0 {
					t.Fatalf("published %d messages, want 0", len(got))
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("published %d messages, want 1", len(got))
			}
			if got[0].topic != "occurrences" {
				t.Errorf("topic = %q", got[0].topic)
			}
			if got[0].delay != tt.wantDelay {
				t.Errorf("delay = %v, want %v", got[0].delay, tt.wantDelay)
			}

			var occ Occurrence
			if err := json.Unmarshal(got[0].body, &occ); err != nil {
				t.Fatalf("unmarshal occurrence: %v", err)
			}
			if occ.TaskID != 7 || occ.Kind != KindDue {
				t.Errorf("occurrence = %+v", occ)
			}
		})
	}
}

func TestSchedulerSkipsAlreadyScheduled(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 50, 0, 0, time.UTC)
	due := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)

	prod := &fakeProducer{}
	set := NewSet()
	sched := NewScheduler(prod, set, testLogger(), "occurrences")
	sched.now = func() time.Time { return now }

	if err := sched.Schedule(context.Background(), taskDueAt(7, due), KindDue, 15*time.Minute); err != nil {
		t.Fatalf("first Schedule() error: %v", err)
	}

	// A later sweep sees the same still-pending task.
	sched.now = func() time.Time { return now.Add(5 * time.Minute) }
	if err := sched.Schedule(context.Background(), taskDueAt(7, due), KindDue, 15*time.Minute); err != nil {
		t.Fatalf("second Schedule() error: %v", err)
	}

	if got := len(prod.all()); got != 1 {
		t.Fatalf("published %d messages, want 1", got)
	}
}

func TestSchedulerPublishFailureUnmarks(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 50, 0, 0, time.UTC)
	due := now.Add(time.Minute)

	prod := &fakeProducer{err: errors.New("nsqd down")}
	set := NewSet()
	sched := NewScheduler(prod, set, testLogger(), "occurrences")
	sched.now = func() time.Time { return now }

	if err := sched.Schedule(context.Background(), taskDueAt(9, due), KindDue, 15*time.Minute); err == nil {
		t.Fatal("Schedule() expected error")
	}
	if set.Contains(KindDue, 9) {
		t.Fatal("task left marked scheduled after publish failure")
	}
}

func TestSchedulerMissingTarget(t *testing.T) {
	prod := &fakeProducer{}
	sched := NewScheduler(prod, NewSet(), testLogger(), "occurrences")

	err := sched.Schedule(context.Background(), task.Task{ID: 1}, KindDue, time.Minute)
	if err == nil {
		t.Fatal("Schedule() expected error for missing due time")
	}
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

type dispatchCall struct {
	taskID int64
	event  task.Event
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, taskID int64, event task.Event, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{taskID: taskID, event: event})
	return f.err
}

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

func newMessage(t *testing.T, occ Occurrence, attempts uint16) (*nsq.Message, *fakeDelegate) {
	t.Helper()
	b, err := json.Marshal(occ)
	if err != nil {
		t.Fatalf("marshal occurrence: %v", err)
	}
	m := nsq.NewMessage(nsq.MessageID{}, b)
	m.Attempts = attempts
	d := &fakeDelegate{}
	m.Delegate = d
	return m, d
}

func TestFireHandlerDispatchesDueAsOverdue(t *testing.T) {
	due := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	tk := taskDueAt(7, due)

	disp := &fakeDispatcher{}
	prod := &fakeProducer{}
	set := NewSet()
	set.Mark(KindDue, 7)

	h := NewFireHandler(disp, prod, set, testLogger(), "notifications")
	m, d := newMessage(t, Occurrence{TaskID: 7, Kind: KindDue, Task: tk}, 1)

	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	if len(disp.calls) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", len(disp.calls))
	}
	if disp.calls[0].event != task.EventOverdue {
		t.Errorf("event = %q, want %q", disp.calls[0].event, task.EventOverdue)
	}
	if d.finished != 1 || d.requeued != 0 {
		t.Errorf("finished = %d, requeued = %d", d.finished, d.requeued)
	}
	if set.Contains(KindDue, 7) {
		t.Error("task still in scheduled set after fire")
	}

	notes := prod.all()
	if len(notes) != 1 || notes[0].topic != "notifications" {
		t.Fatalf("notifications published = %+v, want one on notifications topic", notes)
	}
}

func TestFireHandlerStartKind(t *testing.T) {
	start := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	tk := task.Task{ID: 3, Title: "t", Status: task.StatusPending, StartAt: &start}

	disp := &fakeDispatcher{}
	prod := &fakeProducer{}
	h := NewFireHandler(disp, prod, NewSet(), testLogger(), "notifications")
	m, d := newMessage(t, Occurrence{TaskID: 3, Kind: KindStart, Task: tk}, 1)

	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if disp.calls[0].event != task.EventStarted {
		t.Errorf("event = %q, want %q", disp.calls[0].event, task.EventStarted)
	}
	if len(prod.all()) != 0 {
		t.Error("start occurrence published a notification")
	}
	if d.finished != 1 {
		t.Errorf("finished = %d, want 1", d.finished)
	}
}

func TestFireHandlerRequeuesOnDispatchError(t *testing.T) {
	due := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)
	disp := &fakeDispatcher{err: errors.New("db down")}
	h := NewFireHandler(disp, &fakeProducer{}, NewSet(), testLogger(), "notifications")

	m, d := newMessage(t, Occurrence{TaskID: 7, Kind: KindDue, Task: taskDueAt(7, due)}, 1)
	if err := h.HandleMessage(m); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if d.requeued != 1 || d.finished != 0 {
		t.Errorf("requeued = %d, finished = %d, want 1/0", d.requeued, d.finished)
	}

	// At max attempts the occurrence is dropped instead.
	m2, d2 := newMessage(t, Occurrence{TaskID: 7, Kind: KindDue, Task: taskDueAt(7, due)}, 3)
	if err := h.HandleMessage(m2); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if d2.finished != 1 || d2.requeued != 0 {
		t.Errorf("finished = %d, requeued = %d, want 1/0", d2.finished, d2.requeued)
	}
}

func TestFireHandlerBadPayload(t *testing.T) {
	h := NewFireHandler(&fakeDispatcher{}, &fakeProducer{}, NewSet(), testLogger(), "notifications")
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
