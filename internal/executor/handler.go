package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/taskpulse/taskpulse/internal/action"
	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/metrics"
	"github.com/taskpulse/taskpulse/internal/tracing"
)

// Publisher is the slice of nsq.Producer the handler needs for DLQ output.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// RetryPolicy controls the requeue schedule for failed jobs.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
	JitterPct   float64
	PublishDLQ  bool
}

// Handler consumes action jobs, performs the outbound call, and writes one
// call record per job with the final outcome.
type Handler struct {
	store    Store
	client   *http.Client
	dlq      Publisher
	logger   *logging.Logger
	retry    RetryPolicy
	dlqTopic string
	now      func() time.Time
}

func NewHandler(store Store, client *http.Client, dlq Publisher, logger *logging.Logger, retry RetryPolicy, dlqTopic string) *Handler {
	return &Handler{
		store:    store,
		client:   client,
		dlq:      dlq,
		logger:   logger,
		retry:    retry,
		dlqTopic: dlqTopic,
		now:      time.Now,
	}
}

// HandleMessage implements nsq.Handler.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("job message had no response, finishing")
			m.Finish()
		}
	}()

	var job action.Job
	if err := json.Unmarshal(m.Body, &job); err != nil {
		h.logger.Plain().WithError(err).Error("bad job payload")
		metrics.RecordAction("malformed", 0)
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	attempt := int(m.Attempts)
	ctx := tracing.ExtractTraceFromQueue(context.Background(), job.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "executor.job",
		attribute.String("job.id", job.JobID),
		attribute.Int64("task.id", job.TaskID),
		attribute.Int64("definition.id", job.DefinitionID),
		attribute.String("event", string(job.Event)),
		attribute.Int("attempt", attempt),
	)
	defer span.End()

	def, err := h.store.Definition(ctx, job.DefinitionID)
	if err != nil {
		// Definition gone or unreadable: treat like a call failure so the
		// usual retry budget applies to transient db errors.
		h.failed(ctx, m, job, request{}, result{err: fmt.Errorf("load definition: %w", err)}, attempt)
		return nil
	}

	req, err := buildRequest(def, job.Data)
	if err != nil {
		h.logger.WithContext(ctx).WithJob(job.JobID).WithError(err).Error("unbuildable request, dropping job")
		h.writeRecord(ctx, job, request{url: def.URL, method: def.Method}, result{err: err})
		metrics.RecordAction("failed", 0)
		m.Finish() // terminal: retrying won't fix a bad definition
		return nil
	}

	tracing.AddSpanEvent(ctx, "http.call_action", attribute.String("url", req.url))
	res := doCall(ctx, h.client, req)

	span.SetAttributes(
		attribute.Int("http.status_code", res.status),
		attribute.Int64("http.latency_ms", res.duration.Milliseconds()),
	)
	if res.err != nil {
		span.SetAttributes(attribute.String("http.error", res.err.Error()))
	}

	if res.success() {
		h.writeRecord(ctx, job, req, res)
		metrics.RecordAction("success", res.duration)
		h.logger.WithContext(ctx).WithJob(job.JobID).WithTask(job.TaskID).
			WithField("status", res.status).Info("action call succeeded")
		m.Finish()
		return nil
	}
	h.failed(ctx, m, job, req, res, attempt)
	return nil
}

// failed decides between requeue and DLQ for an unsuccessful attempt.
func (h *Handler) failed(ctx context.Context, m *nsq.Message, job action.Job, req request, res result, attempt int) {
	reason := classifyReason(res.err, res.status)
	tracing.AddSpanEvent(ctx, "action.failed", attribute.String("reason", reason))

	if attempt >= h.retry.MaxAttempts {
		h.writeRecord(ctx, job, req, res)
		metrics.RecordAction("failed", res.duration)

		if h.retry.PublishDLQ && h.dlq != nil {
			job.Attempt = attempt
			env := action.NewDeadLetter(job, attempt, res.status, res.errString(),
				fmt.Sprintf("max attempts reached (%d)", attempt))
			b, _ := json.Marshal(env)
			if err := h.dlq.Publish(h.dlqTopic, b); err != nil {
				h.logger.WithContext(ctx).WithJob(job.JobID).WithError(err).Error("dlq publish failed")
				tracing.SetSpanError(ctx, err)
			} else {
				h.logger.WithContext(ctx).WithJob(job.JobID).WithField("topic", h.dlqTopic).Info("dlq published")
			}
		}

		metrics.RecordDLQ()
		h.logger.WithContext(ctx).WithJob(job.JobID).WithTask(job.TaskID).
			WithFields(map[string]any{"attempt": attempt, "reason": reason}).
			Error("action call failed terminally")
		m.Finish() // drop from main topic
		return
	}

	metrics.RecordRetry(reason)
	delay := computeDelay(attempt, h.retry.Backoff, h.retry.JitterPct)
	h.logger.WithContext(ctx).WithJob(job.JobID).WithTask(job.TaskID).
		WithFields(map[string]any{
			"attempt": attempt,
			"reason":  reason,
			"delay":   delay.String(),
		}).Warn("action call failed, requeueing")
	m.Requeue(delay)
}

// writeRecord persists the final-outcome call record. Insert failures are
// logged; the job outcome stands either way.
func (h *Handler) writeRecord(ctx context.Context, job action.Job, req request, res result) {
	rec := action.CallRecord{
		ID:           job.JobID,
		BindingID:    job.BindingID,
		DefinitionID: job.DefinitionID,
		TaskID:       job.TaskID,
		Event:        job.Event,
		URL:          req.url,
		Method:       req.method,
		Headers:      req.headers,
		Body:         req.body,
		Status:       res.status,
		ResponseBody: res.body,
		Error:        res.errString(),
		DurationMS:   res.duration.Milliseconds(),
		Success:      res.success(),
		CreatedAt:    h.now().UTC(),
	}
	if err := h.store.InsertRecord(ctx, rec); err != nil {
		h.logger.WithContext(ctx).WithJob(job.JobID).WithError(err).Error("call record insert failed")
		tracing.SetSpanError(ctx, err)
	}
}

// computeDelay maps a 1-based attempt number onto the backoff schedule and
// spreads requeues by +/- jitterPct around the scheduled delay. The floor
// keeps an aggressive jitter from collapsing the delay toward zero.
func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	idx := min(max(attempt-1, 0), len(schedule)-1)
	base := schedule[idx]

	d := base
	if span := time.Duration(float64(base) * jitterPct); span > 0 {
		d += time.Duration(rand.Int63n(int64(2*span))) - span
	}
	if floor := base / 10; d < floor {
		d = floor
	}
	return d
}

// classifyReason buckets a failed call for the retry metric. Typed network
// errors are checked first; the string checks catch causes that arrive
// flattened inside a url.Error message.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		var (
			dnsErr *net.DNSError
			netErr net.Error
		)
		switch {
		case errors.Is(doErr, context.DeadlineExceeded):
			return "timeout"
		case errors.As(doErr, &netErr) && netErr.Timeout():
			return "timeout"
		case errors.As(doErr, &dnsErr):
			return "dns_error"
		}

		msg := strings.ToLower(doErr.Error())
		switch {
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			return "timeout"
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
			return "dns_error"
		default:
			return "network"
		}
	}

	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
