package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskpulse/taskpulse/internal/tracing"
)

// Logger provides structured logging with trace correlation. Output is
// newline-delimited JSON via zerolog.
type Logger struct {
	zl zerolog.Logger
}

// New creates a new structured logger for the given service, writing to stdout.
func New(service string) *Logger {
	return NewTo(service, os.Stdout)
}

// NewTo creates a logger writing to the given writer. Used by tests to
// capture output.
func NewTo(service string, w io.Writer) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zl := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()
	return &Logger{zl: zl}
}

// Entry is a log entry under construction. Methods return the entry so
// fields can be chained before the terminal level call.
type Entry struct {
	ctx zerolog.Context
}

// Plain creates a basic log entry without context.
func (l *Logger) Plain() *Entry {
	return &Entry{ctx: l.zl.With()}
}

// WithContext creates a log entry with trace correlation from context.
func (l *Logger) WithContext(ctx context.Context) *Entry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.ctx = e.ctx.Str("trace_id", traceID)
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs.
func (l *Logger) WithFields(fields map[string]any) *Entry {
	return l.Plain().WithFields(fields)
}

// WithTask sets the task ID for the log entry.
func (e *Entry) WithTask(taskID int64) *Entry {
	e.ctx = e.ctx.Int64("task_id", taskID)
	return e
}

// WithEvent sets the lifecycle event for the log entry.
func (e *Entry) WithEvent(event string) *Entry {
	e.ctx = e.ctx.Str("event", event)
	return e
}

// WithJob sets the job ID for the log entry.
func (e *Entry) WithJob(jobID string) *Entry {
	e.ctx = e.ctx.Str("job_id", jobID)
	return e
}

// WithDefinition sets the action definition ID for the log entry.
func (e *Entry) WithDefinition(definitionID int64) *Entry {
	e.ctx = e.ctx.Int64("definition_id", definitionID)
	return e
}

// WithField adds a single field to the log entry.
func (e *Entry) WithField(key string, value any) *Entry {
	e.ctx = e.ctx.Interface(key, value)
	return e
}

// WithFields adds multiple fields to the log entry.
func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.ctx = e.ctx.Interface(k, v)
	}
	return e
}

// WithError adds an error field to the log entry.
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.ctx = e.ctx.Str("error", err.Error())
	}
	return e
}

// Debug logs at debug level.
func (e *Entry) Debug(message string) {
	l := e.ctx.Logger()
	l.Debug().Msg(message)
}

// Debugf logs at debug level with formatting.
func (e *Entry) Debugf(format string, args ...any) {
	l := e.ctx.Logger()
	l.Debug().Msgf(format, args...)
}

// Info logs at info level.
func (e *Entry) Info(message string) {
	l := e.ctx.Logger()
	l.Info().Msg(message)
}

// Infof logs at info level with formatting.
func (e *Entry) Infof(format string, args ...any) {
	l := e.ctx.Logger()
	l.Info().Msgf(format, args...)
}

// Warn logs at warn level.
func (e *Entry) Warn(message string) {
	l := e.ctx.Logger()
	l.Warn().Msg(message)
}

// Warnf logs at warn level with formatting.
func (e *Entry) Warnf(format string, args ...any) {
	l := e.ctx.Logger()
	l.Warn().Msgf(format, args...)
}

// Error logs at error level.
func (e *Entry) Error(message string) {
	l := e.ctx.Logger()
	l.Error().Msg(message)
}

// Errorf logs at error level with formatting.
func (e *Entry) Errorf(format string, args ...any) {
	l := e.ctx.Logger()
	l.Error().Msgf(format, args...)
}

// Fatal logs at fatal level and exits.
func (e *Entry) Fatal(message string) {
	l := e.ctx.Logger()
	l.Fatal().Msg(message)
}

// Fatalf logs at fatal level with formatting and exits.
func (e *Entry) Fatalf(format string, args ...any) {
	l := e.ctx.Logger()
	l.Fatal().Msgf(format, args...)
}
