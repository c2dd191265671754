// Package dispatch turns a task lifecycle event into action jobs on the
// work queue, with idempotency and duplicate suppression.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskpulse/taskpulse/internal/action"
	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/recur"
	"github.com/taskpulse/taskpulse/internal/task"
	"github.com/taskpulse/taskpulse/internal/tracing"
)

// BindingSource resolves which actions fire for an event and answers the
// dedup queries.
type BindingSource interface {
	ActiveBindings(ctx context.Context, taskID int64, event task.Event) ([]action.BoundAction, error)
	EventTriggered(ctx context.Context, taskID int64, event task.Event) (bool, error)
	EventTriggeredWithin(ctx context.Context, taskID int64, event task.Event, window time.Duration) (bool, error)
}

// TaskSource is the slice of the task store the dispatcher needs for the
// recurrence roll-forward on completion.
type TaskSource interface {
	Get(ctx context.Context, id int64) (task.Task, error)
	AdvanceRecurrence(ctx context.Context, t task.Task, next time.Time) error
}

// MultiPublisher is the slice of nsq.Producer the dispatcher needs. A
// MultiPublish enqueues the whole job batch or none of it.
type MultiPublisher interface {
	MultiPublish(topic string, body [][]byte) error
}

// Dispatcher fans one lifecycle event out to every active bound action.
type Dispatcher struct {
	bindings BindingSource
	tasks    TaskSource
	prod     MultiPublisher
	logger   *logging.Logger
	topic    string
	window   time.Duration
	now      func() time.Time
}

func NewDispatcher(bindings BindingSource, tasks TaskSource, prod MultiPublisher, logger *logging.Logger, topic string, window time.Duration) *Dispatcher {
	return &Dispatcher{
		bindings: bindings,
		tasks:    tasks,
		prod:     prod,
		logger:   logger,
		topic:    topic,
		window:   window,
		now:      time.Now,
	}
}

// Dispatch enqueues one job per active binding for (taskID, event).
// Duplicate suppression is silent success: an idempotent event that already
// produced a call record, or any event dispatched again inside the recent
// window, returns nil without enqueueing.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID int64, event task.Event, data map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Dispatch",
		attribute.Int64("task.id", taskID),
		attribute.String("event", string(event)),
	)
	defer span.End()

	if !event.Valid() {
		return fmt.Errorf("unknown event %q", event)
	}

	if event.Idempotent() {
		done, err := d.bindings.EventTriggered(ctx, taskID, event)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("idempotency check: %w", err)
		}
		if done {
			metrics.RecordDispatch("dedup")
			d.logger.WithContext(ctx).WithTask(taskID).WithEvent(string(event)).
				Debug("event already triggered, suppressing")
			return nil
		}
	}

	recent, err := d.bindings.EventTriggeredWithin(ctx, taskID, event, d.window)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("recent-window check: %w", err)
	}
	if recent {
		metrics.RecordDispatch("dedup")
		d.logger.WithContext(ctx).WithTask(taskID).WithEvent(string(event)).
			Debug("event triggered within dedup window, suppressing")
		return nil
	}

	bound, err := d.bindings.ActiveBindings(ctx, taskID, event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("resolve bindings: %w", err)
	}

	if err := d.enqueue(ctx, taskID, event, data, bound); err != nil {
		return err
	}

	if event == task.EventCompleted {
		d.rollForward(ctx, taskID)
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, taskID int64, event task.Event, data map[string]any, bound []action.BoundAction) error {
	if len(bound) == 0 {
		metrics.RecordDispatch("no_bindings")
		d.logger.WithContext(ctx).WithTask(taskID).WithEvent(string(event)).
			Debug("no active bindings for event")
		return nil
	}

	headers := tracing.PropagateTraceToQueue(ctx)
	publishedAt := d.now().UTC().Format(time.RFC3339)

	bodies := make([][]byte, 0, len(bound))
	for _, ba := range bound {
		job := action.Job{
			JobID:        uuid.NewString(),
			BindingID:    ba.Binding.ID,
			DefinitionID: ba.Definition.ID,
			TaskID:       taskID,
			Event:        event,
			Data:         data,
			Attempt:      0,
			PublishedAt:  publishedAt,
			TraceHeaders: headers,
		}
		b, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		bodies = append(bodies, b)
	}

	if err := d.prod.MultiPublish(d.topic, bodies); err != nil {
		metrics.RecordDispatch("publish_error")
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq multi publish: %w", err)
	}

	metrics.RecordDispatch("enqueued")
	tracing.AddSpanEvent(ctx, "nsq.published_jobs", attribute.Int("count", len(bodies)))
	d.logger.WithContext(ctx).WithTask(taskID).WithEvent(string(event)).
		WithField("jobs", len(bodies)).Info("action jobs enqueued")
	return nil
}

// rollForward advances a recurring task's start and due times to the next
// occurrence after completion. Failures are logged, never surfaced; the
// dispatch itself already succeeded.
func (d *Dispatcher) rollForward(ctx context.Context, taskID int64) {
	t, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		d.logger.WithContext(ctx).WithTask(taskID).WithError(err).
			Warn("recurrence roll-forward: task fetch failed")
		return
	}
	if !t.IsRecurring || t.Recurrence == nil || t.DueAt == nil {
		return
	}
	if err := t.Recurrence.Validate(); err != nil {
		d.logger.WithContext(ctx).WithTask(taskID).WithError(err).
			Warn("recurrence roll-forward: invalid rule")
		return
	}

	next, ok := recur.NextOccurrence(*t.Recurrence, *t.DueAt)
	if !ok {
		d.logger.WithContext(ctx).WithTask(taskID).Info("recurrence ended, no further occurrences")
		return
	}
	if err := d.tasks.AdvanceRecurrence(ctx, t, next); err != nil {
		d.logger.WithContext(ctx).WithTask(taskID).WithError(err).
			Warn("recurrence roll-forward failed")
		return
	}
	d.logger.WithContext(ctx).WithTask(taskID).
		WithField("next_due", next.Format(time.RFC3339)).
		Info("recurring task rolled forward")
}
