package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr        string // e.g. nsqd:4150
	LookupHTTPAddr     string // e.g. http://nsqlookupd:4161
	OccurrencesTopic   string // delayed task occurrences
	ActionsTopic       string // dispatched action jobs
	ActionsDLQTopic    string // dead-lettered action jobs
	NotificationsTopic string // secondary overdue side-channel
	SchedulerChannel   string // channel for the occurrence consumer
	WorkerChannel      string // channel for action executors
}

type Worker struct {
	MaxAttempts     int             // Maximum action call attempts
	BackoffSchedule []time.Duration // Retry backoff durations
	JitterPercent   float64         // Backoff jitter percentage (0.0-1.0)
	Concurrency     int             // Concurrent action executors
	CallTimeout     time.Duration   // Outbound HTTP call timeout
	PublishDLQ      bool            // Whether to publish exhausted jobs to DLQ
	HTTPPort        string          // Worker HTTP metrics port
}

type Engine struct {
	SettingsRefresh time.Duration // Scheduler settings cache refresh interval
	DisplayOffset   string        // Input/display UTC offset, e.g. "+05:30"
	DedupWindow     time.Duration // Recent-trigger suppression window
	AuthPublicKey   string        // PEM public key for admin API JWT auth ("" disables)
}

type Config struct {
	AppName  string
	HTTPPort string // :8080
	DB       DB
	NSQ      NSQ
	Worker   Worker
	Engine   Engine
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseBackoffSchedule(schedule string) []time.Duration {
	def := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if schedule == "" {
		return def
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		return def
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "taskpulse"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "taskpulse"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:        getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:     getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			OccurrencesTopic:   getenv("NSQ_OCCURRENCES_TOPIC", "occurrences"),
			ActionsTopic:       getenv("NSQ_ACTIONS_TOPIC", "actions"),
			ActionsDLQTopic:    getenv("NSQ_ACTIONS_DLQ_TOPIC", "actions_dlq"),
			NotificationsTopic: getenv("NSQ_NOTIFICATIONS_TOPIC", "notifications"),
			SchedulerChannel:   getenv("NSQ_SCHEDULER_CHANNEL", "scheduler"),
			WorkerChannel:      getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Worker: Worker{
			MaxAttempts:     getenvInt("MAX_ATTEMPTS", 3),
			BackoffSchedule: parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:   getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			Concurrency:     getenvInt("WORKER_CONCURRENCY", 25),
			CallTimeout:     getenvDuration("ACTION_CALL_TIMEOUT", 30*time.Second),
			PublishDLQ:      getenvBool("PUBLISH_DLQ_TOPIC", true),
			HTTPPort:        ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Engine: Engine{
			SettingsRefresh: getenvDuration("SETTINGS_REFRESH_INTERVAL", 5*time.Minute),
			DisplayOffset:   getenv("DISPLAY_UTC_OFFSET", "+05:30"),
			DedupWindow:     getenvDuration("DISPATCH_DEDUP_WINDOW", 10*time.Second),
			AuthPublicKey:   getenv("AUTH_PUBLIC_KEY", ""),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
