// Package api serves the engine's admin HTTP surface: manual event
// triggering, one-off action execution, settings, and call records.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/taskpulse/taskpulse/internal/action"
	"github.com/taskpulse/taskpulse/internal/auth"
	"github.com/taskpulse/taskpulse/internal/executor"
	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/settings"
	"github.com/taskpulse/taskpulse/internal/task"
)

// Dispatcher accepts lifecycle events for fan-out.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID int64, event task.Event, data map[string]any) error
}

// TaskSource fetches task snapshots for manual execution payloads.
type TaskSource interface {
	Get(ctx context.Context, id int64) (task.Task, error)
}

// ActionStore combines the executor's store needs with record listing.
type ActionStore interface {
	executor.Store
	ListRecords(ctx context.Context, taskID int64, limit int) ([]action.CallRecord, error)
}

// SettingsStore reads and writes raw settings.
type SettingsStore interface {
	All(ctx context.Context) (map[string]string, error)
	Set(ctx context.Context, key, value string) error
}

// Server is the admin API. A nil validator leaves the surface open, for
// local development. loc is the input offset for date+time payload fields;
// nil means UTC.
type Server struct {
	dispatcher Dispatcher
	tasks      TaskSource
	actions    ActionStore
	settings   SettingsStore
	client     *http.Client
	loc        *time.Location
	validator  *auth.JWTValidator
	logger     *logging.Logger
}

func NewServer(dispatcher Dispatcher, tasks TaskSource, actions ActionStore, settingsStore SettingsStore, client *http.Client, loc *time.Location, validator *auth.JWTValidator, logger *logging.Logger) *Server {
	if loc == nil {
		loc = time.UTC
	}
	return &Server{
		dispatcher: dispatcher,
		tasks:      tasks,
		actions:    actions,
		settings:   settingsStore,
		client:     client,
		loc:        loc,
		validator:  validator,
		logger:     logger,
	}
}

// Register mounts the admin routes on mux behind the auth middleware.
func (s *Server) Register(mux *http.ServeMux) {
	guard := auth.Middleware(s.validator)
	mux.Handle("POST /v1/events/trigger", guard(http.HandlerFunc(s.handleTrigger)))
	mux.Handle("POST /v1/actions/{id}/execute", guard(http.HandlerFunc(s.handleExecute)))
	mux.Handle("GET /v1/settings", guard(http.HandlerFunc(s.handleGetSettings)))
	mux.Handle("PUT /v1/settings", guard(http.HandlerFunc(s.handlePutSettings)))
	mux.Handle("GET /v1/records", guard(http.HandlerFunc(s.handleListRecords)))
}

type triggerRequest struct {
	TaskID  int64          `json:"task_id"`
	Event   string         `json:"event"`
	Data    map[string]any `json:"data,omitempty"`
	DueDate string         `json:"due_date,omitempty"` // "2006-01-02", input offset
	DueTime string         `json:"due_time,omitempty"` // "15:04", empty = midnight
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TaskID <= 0 {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	event := task.Event(req.Event)
	if !event.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event")
		return
	}

	data := req.Data
	if data == nil {
		t, err := s.tasks.Get(r.Context(), req.TaskID)
		if err != nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		data = t.Data()
	}
	data, err := s.applyDueOverride(data, req.DueDate, req.DueTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid due_date/due_time")
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), req.TaskID, event, data); err != nil {
		s.logger.WithContext(r.Context()).WithTask(req.TaskID).WithEvent(req.Event).
			WithError(err).Error("manual trigger failed")
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": req.TaskID,
		"event":   req.Event,
		"status":  "accepted",
	})
}

type executeRequest struct {
	TaskID  int64          `json:"task_id"`
	Event   string         `json:"event,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	DueDate string         `json:"due_date,omitempty"`
	DueTime string         `json:"due_time,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	defID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || defID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.TaskID <= 0 {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	event := task.Event(req.Event)
	if req.Event == "" {
		event = task.EventUpdated
	} else if !event.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event")
		return
	}

	data := req.Data
	if data == nil {
		t, err := s.tasks.Get(r.Context(), req.TaskID)
		if err != nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		data = t.Data()
	}
	data, err = s.applyDueOverride(data, req.DueDate, req.DueTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid due_date/due_time")
		return
	}

	rec, err := executor.Perform(r.Context(), s.actions, s.client, defID, req.TaskID, event, data)
	if err != nil {
		s.logger.WithContext(r.Context()).WithDefinition(defID).WithTask(req.TaskID).
			WithError(err).Error("manual execution failed")
		writeError(w, http.StatusBadGateway, "execution failed")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.All(r.Context())
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("settings read failed")
		writeError(w, http.StatusInternalServerError, "settings read failed")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "no settings provided")
		return
	}
	for k := range req {
		if !knownSettingKey(k) {
			writeError(w, http.StatusBadRequest, "unknown setting "+strconv.Quote(k))
			return
		}
	}

	for k, v := range req {
		if err := s.settings.Set(r.Context(), k, v); err != nil {
			s.logger.WithContext(r.Context()).WithField("key", k).WithError(err).
				Error("settings write failed")
			writeError(w, http.StatusInternalServerError, "settings write failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"updated": len(req),
		"note":    "applied on next settings refresh",
	})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	var taskID int64
	if v := r.URL.Query().Get("task_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid task_id")
			return
		}
		taskID = id
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	recs, err := s.actions.ListRecords(r.Context(), taskID, limit)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("record listing failed")
		writeError(w, http.StatusInternalServerError, "record listing failed")
		return
	}
	if recs == nil {
		recs = []action.CallRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// applyDueOverride resolves the optional date+time payload fields against the
// configured input offset and overrides DueAt in the substitution data. Date
// and time strings never reach the dispatcher unparsed.
func (s *Server) applyDueOverride(data map[string]any, date, clock string) (map[string]any, error) {
	if date == "" {
		return data, nil
	}
	at, err := task.CombineDateTime(date, clock, s.loc)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	data["DueAt"] = at.Format(time.RFC3339)
	return data, nil
}

func knownSettingKey(k string) bool {
	switch k {
	case settings.KeyWindowValue, settings.KeyWindowUnit,
		settings.KeyBufferValue, settings.KeyBufferUnit,
		settings.KeyMaxDelayMS,
		settings.KeyDueCron, settings.KeyStartCron, settings.KeyEscalationCron:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// DefaultClient is the HTTP client used for manual executions when the
// caller does not supply one.
func DefaultClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
