// Package sweep runs the periodic database sweeps that feed the delay
// scheduler and the escalation pass.
package sweep

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/sched"
	"github.com/taskpulse/taskpulse/internal/settings"
	"github.com/taskpulse/taskpulse/internal/task"
	"github.com/taskpulse/taskpulse/internal/tracing"
)

// TaskSource provides the window queries and the escalation pass.
type TaskSource interface {
	DueWithin(ctx context.Context, from, to time.Time) ([]task.Task, error)
	StartingWithin(ctx context.Context, from, to time.Time) ([]task.Task, error)
	ProcessEscalations(ctx context.Context) (int, error)
}

// Scheduler enqueues one occurrence for a swept task.
type Scheduler interface {
	Schedule(ctx context.Context, t task.Task, kind sched.Kind, maxDelay time.Duration) error
}

// Sweeper fetches upcoming tasks and hands them to the scheduler. Each
// sweep kind carries its own in-progress guard so a slow run is skipped
// rather than overlapped.
type Sweeper struct {
	tasks    TaskSource
	sched    Scheduler
	snapshot func() settings.Snapshot
	logger   *logging.Logger
	now      func() time.Time

	dueRunning   atomic.Bool
	startRunning atomic.Bool
	escRunning   atomic.Bool
}

func NewSweeper(tasks TaskSource, scheduler Scheduler, snapshot func() settings.Snapshot, logger *logging.Logger) *Sweeper {
	return &Sweeper{
		tasks:    tasks,
		sched:    scheduler,
		snapshot: snapshot,
		logger:   logger,
		now:      time.Now,
	}
}

// SweepDue scans for tasks coming due and schedules their due occurrences.
func (s *Sweeper) SweepDue(ctx context.Context) {
	s.sweep(ctx, sched.KindDue, &s.dueRunning, s.tasks.DueWithin)
}

// SweepStart scans for tasks about to start and schedules their start
// occurrences.
func (s *Sweeper) SweepStart(ctx context.Context) {
	s.sweep(ctx, sched.KindStart, &s.startRunning, s.tasks.StartingWithin)
}

type windowQuery func(ctx context.Context, from, to time.Time) ([]task.Task, error)

func (s *Sweeper) sweep(ctx context.Context, kind sched.Kind, running *atomic.Bool, query windowQuery) {
	if !running.CompareAndSwap(false, true) {
		metrics.RecordSweep(string(kind), "skipped_overlap")
		s.logger.Plain().WithField("kind", string(kind)).Warn("previous sweep still running, skipping")
		return
	}
	defer running.Store(false)

	ctx, span := tracing.StartSpan(ctx, "sweep.run")
	defer span.End()

	snap := s.snapshot()
	now := s.now()
	from := now.Add(-snap.Buffer)
	to := now.Add(snap.Window)

	tasks, err := query(ctx, from, to)
	if err != nil {
		metrics.RecordSweep(string(kind), "error")
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithField("kind", string(kind)).WithError(err).
			Error("sweep query failed, skipping cycle")
		return
	}

	scheduled := 0
	for _, t := range tasks {
		if target := targetFor(t, kind); target == nil {
			s.logger.WithContext(ctx).WithTask(t.ID).WithField("kind", string(kind)).
				Warn("task missing target timestamp, skipping")
			continue
		}
		if err := s.sched.Schedule(ctx, t, kind, snap.MaxDelay); err != nil {
			s.logger.WithContext(ctx).WithTask(t.ID).WithField("kind", string(kind)).
				WithError(err).Error("schedule failed, continuing batch")
			continue
		}
		scheduled++
	}

	metrics.RecordSweep(string(kind), "ok")
	s.logger.WithContext(ctx).WithFields(map[string]any{
		"kind":      string(kind),
		"fetched":   len(tasks),
		"scheduled": scheduled,
	}).Info("sweep complete")
}

// Escalate runs the idempotent escalation pass.
func (s *Sweeper) Escalate(ctx context.Context) {
	if !s.escRunning.CompareAndSwap(false, true) {
		metrics.RecordSweep("escalation", "skipped_overlap")
		s.logger.Plain().Warn("previous escalation pass still running, skipping")
		return
	}
	defer s.escRunning.Store(false)

	ctx, span := tracing.StartSpan(ctx, "sweep.escalate")
	defer span.End()

	n, err := s.tasks.ProcessEscalations(ctx)
	if err != nil {
		metrics.RecordSweep("escalation", "error")
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithError(err).Error("escalation pass failed, skipping cycle")
		return
	}

	metrics.RecordSweep("escalation", "ok")
	metrics.RecordEscalations(n)
	if n > 0 {
		s.logger.WithContext(ctx).WithField("escalated", n).Info("tasks escalated")
	}
}

func targetFor(t task.Task, kind sched.Kind) *time.Time {
	if kind == sched.KindStart {
		return t.StartAt
	}
	return t.DueAt
}
