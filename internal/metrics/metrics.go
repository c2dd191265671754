package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpulse_sweeps_total",
			Help: "Total number of sweep runs by kind and result.",
		},
		[]string{"kind", "result"}, // kind: due|start|escalation, result: ok|error|skipped
	)

	TasksScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpulse_tasks_scheduled_total",
			Help: "Total number of task occurrences enqueued to the delay queue.",
		},
		[]string{"kind"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpulse_dispatches_total",
			Help: "Total number of dispatch calls by outcome.",
		},
		[]string{"result"}, // fanout|deduped|no_bindings|error
	)

	ActionJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpulse_action_jobs_total",
			Help: "Total number of executed action jobs by status.",
		},
		[]string{"status"}, // delivered|failed
	)

	ActionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpulse_action_latency_seconds",
			Help:    "Outbound action call latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpulse_action_retries_total",
			Help: "Total number of action job retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpulse_dlq_total",
			Help: "Total number of action jobs moved to DLQ.",
		},
	)

	EscalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskpulse_escalations_processed_total",
			Help: "Total number of tasks escalated by the escalation sweep.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpulse_queue_depth",
			Help: "Current queue depth by topic and channel.",
		},
		[]string{"topic", "channel"},
	)

	SettingsRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpulse_settings_refresh_total",
			Help: "Total number of settings refresh attempts by result.",
		},
		[]string{"result"}, // ok|error
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		SweepsTotal,
		TasksScheduledTotal,
		DispatchesTotal,
		ActionJobsTotal,
		ActionLatency,
		RetriesTotal,
		DLQTotal,
		EscalationsTotal,
		QueueDepth,
		SettingsRefreshTotal,
	)
}

// RecordSweep records the outcome of one sweep run.
func RecordSweep(kind, result string) {
	SweepsTotal.WithLabelValues(kind, result).Inc()
}

// RecordScheduled records an occurrence enqueued to the delay queue.
func RecordScheduled(kind string) {
	TasksScheduledTotal.WithLabelValues(kind).Inc()
}

// RecordDispatch records the outcome of one dispatch call.
func RecordDispatch(result string) {
	DispatchesTotal.WithLabelValues(result).Inc()
}

// RecordAction records a finished action job and its latency.
func RecordAction(status string, latency time.Duration) {
	ActionJobsTotal.WithLabelValues(status).Inc()
	ActionLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordRetry records an action job retry by reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ records an action job moved to the DLQ.
func RecordDLQ() {
	DLQTotal.Inc()
}

// RecordEscalations records tasks escalated by one escalation sweep.
func RecordEscalations(n int) {
	EscalationsTotal.Add(float64(n))
}

// UpdateQueueDepth sets the current backlog for a topic/channel pair.
func UpdateQueueDepth(topic, channel string, depth float64) {
	QueueDepth.WithLabelValues(topic, channel).Set(depth)
}

// RecordSettingsRefresh records a settings refresh attempt.
func RecordSettingsRefresh(result string) {
	SettingsRefreshTotal.WithLabelValues(result).Inc()
}
