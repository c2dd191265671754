package sweep

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/sched"
	"github.com/taskpulse/taskpulse/internal/settings"
	"github.com/taskpulse/taskpulse/internal/task"
)

type fakeTasks struct {
	due       []task.Task
	starting  []task.Task
	escalated int
	err       error

	dueFrom, dueTo time.Time
	block          chan struct{}
}

func (f *fakeTasks) DueWithin(ctx context.Context, from, to time.Time) ([]task.Task, error) {
	if f.block != nil {
		<-f.block
	}
	f.dueFrom, f.dueTo = from, to
	return f.due, f.err
}

func (f *fakeTasks) StartingWithin(ctx context.Context, from, to time.Time) ([]task.Task, error) {
	return f.starting, f.err
}

func (f *fakeTasks) ProcessEscalations(ctx context.Context) (int, error) {
	return f.escalated, f.err
}

type scheduled struct {
	taskID   int64
	kind     sched.Kind
	maxDelay time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (f *fakeScheduler) Schedule(ctx context.Context, t task.Task, kind sched.Kind, maxDelay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scheduled{taskID: t.ID, kind: kind, maxDelay: maxDelay})
	if f.err != nil {
		return f.err
	}
	return nil
}

func (f *fakeScheduler) all() []scheduled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduled(nil), f.calls...)
}

func testLogger() *logging.Logger {
	return logging.NewTo("sweep-test", io.Discard)
}

func snapshotFunc(snap settings.Snapshot) func() settings.Snapshot {
	return func() settings.Snapshot { return snap }
}

func taskDue(id int64, due time.Time) task.Task {
	return task.Task{ID: id, Status: task.StatusPending, DueAt: &due}
}

func TestSweepDueWindowBounds(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 50, 0, 0, time.UTC)
	snap := settings.DefaultSnapshot()
	snap.Window = 10 * time.Minute
	snap.Buffer = time.Minute

	tasks := &fakeTasks{}
	s := NewSweeper(tasks, &fakeScheduler{}, snapshotFunc(snap), testLogger())
	s.now = func() time.Time { return now }

	s.SweepDue(context.Background())

	if want := now.Add(-time.Minute); !tasks.dueFrom.Equal(want) {
		t.Errorf("from = %v, want %v", tasks.dueFrom, want)
	}
	if want := now.Add(10 * time.Minute); !tasks.dueTo.Equal(want) {
		t.Errorf("to = %v, want %v", tasks.dueTo, want)
	}
}

func TestSweepDueSchedulesEachTask(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 50, 0, 0, time.UTC)
	snap := settings.DefaultSnapshot()

	tasks := &fakeTasks{due: []task.Task{
		taskDue(1, now.Add(5*time.Minute)),
		taskDue(2, now.Add(8*time.Minute)),
	}}
	schedFake := &fakeScheduler{}
	s := NewSweeper(tasks, schedFake, snapshotFunc(snap), testLogger())
	s.now = func() time.Time { return now }

	s.SweepDue(context.Background())

	calls := schedFake.all()
	if len(calls) != 2 {
		t.Fatalf("scheduled %d tasks, want 2", len(calls))
	}
	for _, c := range calls {
		if c.kind != sched.KindDue {
			t.Errorf("kind = %q, want due", c.kind)
		}
		if c.maxDelay != snap.MaxDelay {
			t.Errorf("maxDelay = %v, want %v", c.maxDelay, snap.MaxDelay)
		}
	}
}

func TestSweepSkipsMissingTimestamp(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 50, 0, 0, time.UTC)
	tasks := &fakeTasks{due: []task.Task{
		{ID: 1, Status: task.StatusPending}, // no due time
		taskDue(2, now.Add(5*time.Minute)),
	}}
	schedFake := &fakeScheduler{}
	s := NewSweeper(tasks, schedFake, snapshotFunc(settings.DefaultSnapshot()), testLogger())
	s.now = func() time.Time { return now }

	s.SweepDue(context.Background())

	calls := schedFake.all()
	if len(calls) != 1 || calls[0].taskID != 2 {
		t.Fatalf("calls = %+v, want only task 2", calls)
	}
}

func TestSweepContinuesPastScheduleError(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 50, 0, 0, time.UTC)
	tasks := &fakeTasks{due: []task.Task{
		taskDue(1, now.Add(time.Minute)),
		taskDue(2, now.Add(2*time.Minute)),
	}}
	schedFake := &fakeScheduler{err: errors.New("nsqd down")}
	s := NewSweeper(tasks, schedFake, snapshotFunc(settings.DefaultSnapshot()), testLogger())
	s.now = func() time.Time { return now }

	s.SweepDue(context.Background())

	if got := len(schedFake.all()); got != 2 {
		t.Fatalf("attempted %d schedules, want 2", got)
	}
}

func TestSweepOverlapGuard(t *testing.T) {
	block := make(chan struct{})
	tasks := &fakeTasks{block: block}
	schedFake := &fakeScheduler{}
	s := NewSweeper(tasks, schedFake, snapshotFunc(settings.DefaultSnapshot()), testLogger())

	done := make(chan struct{})
	go func() {
		s.SweepDue(context.Background())
		close(done)
	}()

	// Wait for the first sweep to be inside the query.
	for s.dueRunning.Load() == false {
		time.Sleep(time.Millisecond)
	}

	// Second sweep must return immediately without querying.
	s.SweepDue(context.Background())

	close(block)
	<-done
}

func TestSweepStartUsesStartKind(t *testing.T) {
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	start := now.Add(5 * time.Minute)
	tasks := &fakeTasks{starting: []task.Task{
		{ID: 3, Status: task.StatusPending, StartAt: &start},
	}}
	schedFake := &fakeScheduler{}
	s := NewSweeper(tasks, schedFake, snapshotFunc(settings.DefaultSnapshot()), testLogger())
	s.now = func() time.Time { return now }

	s.SweepStart(context.Background())

	calls := schedFake.all()
	if len(calls) != 1 || calls[0].kind != sched.KindStart {
		t.Fatalf("calls = %+v, want one start schedule", calls)
	}
}

func TestEscalate(t *testing.T) {
	tasks := &fakeTasks{escalated: 3}
	s := NewSweeper(tasks, &fakeScheduler{}, snapshotFunc(settings.DefaultSnapshot()), testLogger())

	s.Escalate(context.Background())
	// No panic and no retries; the pass is fire and forget.

	tasks.err = errors.New("db down")
	s.Escalate(context.Background())
}

func TestRunnerApplyRegistersAndReplaces(t *testing.T) {
	s := NewSweeper(&fakeTasks{}, &fakeScheduler{}, snapshotFunc(settings.DefaultSnapshot()), testLogger())
	r := NewRunner(s, testLogger())

	snap := settings.DefaultSnapshot()
	if err := r.Apply(snap); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if len(r.entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(r.entries))
	}
	firstDue := r.entries["due"]

	// Unchanged snapshot is a no-op.
	if err := r.Apply(snap); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if r.entries["due"] != firstDue {
		t.Error("unchanged cron spec re-registered")
	}

	// Changed expression replaces the entry.
	snap.DueCron = "*/1 * * * *"
	if err := r.Apply(snap); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if r.entries["due"] == firstDue {
		t.Error("changed cron spec kept old entry")
	}
}

func TestRunnerApplyInvalidExpression(t *testing.T) {
	s := NewSweeper(&fakeTasks{}, &fakeScheduler{}, snapshotFunc(settings.DefaultSnapshot()), testLogger())
	r := NewRunner(s, testLogger())

	if err := r.Apply(settings.DefaultSnapshot()); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	before := r.entries["due"]

	bad := settings.DefaultSnapshot()
	bad.DueCron = "not a cron"
	if err := r.Apply(bad); err == nil {
		t.Fatal("Apply() expected error for invalid expression")
	}
	if r.entries["due"] != before {
		t.Error("invalid expression replaced previous entry")
	}
}
