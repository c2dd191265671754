// Package sched schedules task occurrences onto the delay queue and fires
// them back into the dispatcher when due.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/task"
	"github.com/taskpulse/taskpulse/internal/tracing"
)

// Kind distinguishes start-time occurrences from due-time occurrences.
type Kind string

const (
	KindStart Kind = "start"
	KindDue   Kind = "due"
)

// Event returns the lifecycle event an occurrence of this kind fires.
func (k Kind) Event() task.Event {
	if k == KindStart {
		return task.EventStarted
	}
	return task.EventOverdue
}

// Occurrence is the queue envelope for one scheduled task moment.
type Occurrence struct {
	TaskID       int64             `json:"task_id"`
	Kind         Kind              `json:"kind"`
	Task         task.Task         `json:"task"`
	EnqueuedAt   string            `json:"enqueued_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Producer is the slice of nsq.Producer the scheduler needs.
type Producer interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// Scheduler publishes occurrences to the delay queue with a deferred
// delivery timestamp.
type Scheduler struct {
	prod   Producer
	set    *Set
	logger *logging.Logger
	topic  string
	now    func() time.Time
}

func NewScheduler(prod Producer, set *Set, logger *logging.Logger, topic string) *Scheduler {
	return &Scheduler{
		prod:   prod,
		set:    set,
		logger: logger,
		topic:  topic,
		now:    time.Now,
	}
}

// Schedule enqueues one occurrence for t. The delay is clamped at zero for
// already-past targets, and occurrences farther out than maxDelay are left
// for a later sweep. A task id already in the scheduled set is skipped.
func (s *Scheduler) Schedule(ctx context.Context, t task.Task, kind Kind, maxDelay time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "sched.Schedule",
		attribute.Int64("task.id", t.ID),
		attribute.String("occurrence.kind", string(kind)),
	)
	defer span.End()

	target, err := s.target(t, kind)
	if err != nil {
		return err
	}

	delay := target.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	if delay > maxDelay {
		s.logger.WithContext(ctx).WithTask(t.ID).
			WithField("kind", string(kind)).
			WithField("delay_ms", delay.Milliseconds()).
			Debug("occurrence beyond max scheduling delay, leaving for a later sweep")
		return nil
	}

	if !s.set.Mark(kind, t.ID) {
		s.logger.WithContext(ctx).WithTask(t.ID).
			WithField("kind", string(kind)).
			Debug("occurrence already scheduled, skipping")
		return nil
	}

	occ := Occurrence{
		TaskID:       t.ID,
		Kind:         kind,
		Task:         t,
		EnqueuedAt:   s.now().UTC().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToQueue(ctx),
	}
	body, err := json.Marshal(occ)
	if err != nil {
		s.set.Forget(kind, t.ID)
		return fmt.Errorf("marshal occurrence: %w", err)
	}

	if err := s.prod.DeferredPublish(s.topic, delay, body); err != nil {
		s.set.Forget(kind, t.ID)
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq deferred publish: %w", err)
	}

	metrics.RecordScheduled(string(kind))
	s.logger.WithContext(ctx).WithTask(t.ID).
		WithField("kind", string(kind)).
		WithField("delay_ms", delay.Milliseconds()).
		Info("occurrence scheduled")
	return nil
}

func (s *Scheduler) target(t task.Task, kind Kind) (time.Time, error) {
	switch kind {
	case KindStart:
		if t.StartAt == nil {
			return time.Time{}, fmt.Errorf("task %d has no start time", t.ID)
		}
		return *t.StartAt, nil
	case KindDue:
		if t.DueAt == nil {
			return time.Time{}, fmt.Errorf("task %d has no due time", t.ID)
		}
		return *t.DueAt, nil
	default:
		return time.Time{}, fmt.Errorf("unknown occurrence kind %q", kind)
	}
}
