package sched

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/task"
	"github.com/taskpulse/taskpulse/internal/tracing"
)

// Dispatcher is the downstream the fire handler hands events to.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID int64, event task.Event, data map[string]any) error
}

// FireHandler consumes occurrences off the delay queue once their deferred
// delay elapses and turns them into lifecycle events.
type FireHandler struct {
	dispatcher   Dispatcher
	prod         Producer
	set          *Set
	logger       *logging.Logger
	notifTopic   string
	maxAttempts  uint16
	requeueDelay time.Duration
}

func NewFireHandler(dispatcher Dispatcher, prod Producer, set *Set, logger *logging.Logger, notifTopic string) *FireHandler {
	return &FireHandler{
		dispatcher:   dispatcher,
		prod:         prod,
		set:          set,
		logger:       logger,
		notifTopic:   notifTopic,
		maxAttempts:  3,
		requeueDelay: 5 * time.Second,
	}
}

// HandleMessage implements nsq.Handler.
func (h *FireHandler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("occurrence message had no response, finishing")
			m.Finish()
		}
	}()

	var occ Occurrence
	if err := json.Unmarshal(m.Body, &occ); err != nil {
		h.logger.Plain().WithError(err).Error("bad occurrence payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	ctx := tracing.ExtractTraceFromQueue(context.Background(), occ.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "sched.fire",
		attribute.Int64("task.id", occ.TaskID),
		attribute.String("occurrence.kind", string(occ.Kind)),
	)
	defer span.End()

	// The id leaves the set regardless of dispatch outcome; a retried
	// message carries its own payload and the dispatcher dedups.
	h.set.Forget(occ.Kind, occ.TaskID)

	event := occ.Kind.Event()
	if err := h.dispatcher.Dispatch(ctx, occ.TaskID, event, occ.Task.Data()); err != nil {
		tracing.SetSpanError(ctx, err)
		if m.Attempts >= h.maxAttempts {
			h.logger.WithContext(ctx).WithTask(occ.TaskID).WithEvent(string(event)).
				WithError(err).Error("dispatch failed after max attempts, dropping occurrence")
			m.Finish()
			return nil
		}
		h.logger.WithContext(ctx).WithTask(occ.TaskID).WithEvent(string(event)).
			WithError(err).Warn("dispatch failed, requeueing occurrence")
		m.Requeue(h.requeueDelay)
		return nil
	}

	if occ.Kind == KindDue {
		h.publishNotification(ctx, occ)
	}

	h.logger.WithContext(ctx).WithTask(occ.TaskID).WithEvent(string(event)).
		Info("occurrence fired")
	m.Finish()
	return nil
}

// publishNotification mirrors overdue occurrences onto the notifications
// side channel. Failures are logged, never retried; the primary dispatch
// already happened.
func (h *FireHandler) publishNotification(ctx context.Context, occ Occurrence) {
	note := map[string]any{
		"task_id": occ.TaskID,
		"kind":    "task_overdue",
		"title":   occ.Task.Title,
		"due_at":  occ.Task.DueAt,
		"at":      time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(note)
	if err != nil {
		h.logger.WithContext(ctx).WithTask(occ.TaskID).WithError(err).Error("marshal notification failed")
		return
	}
	if err := h.prod.Publish(h.notifTopic, b); err != nil {
		h.logger.WithContext(ctx).WithTask(occ.TaskID).WithError(err).Error("notification publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_notification", attribute.String("topic", h.notifTopic))
}
