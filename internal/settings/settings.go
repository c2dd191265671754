// Package settings loads scheduler tunables from the database and caches
// them behind a periodically refreshed snapshot.
package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/metrics"
)

// Setting keys understood by the engine.
const (
	KeyWindowValue    = "sweep.window_value"
	KeyWindowUnit     = "sweep.window_unit"
	KeyBufferValue    = "sweep.buffer_value"
	KeyBufferUnit     = "sweep.buffer_unit"
	KeyMaxDelayMS     = "sweep.max_delay_ms"
	KeyDueCron        = "sweep.due_cron"
	KeyStartCron      = "sweep.start_cron"
	KeyEscalationCron = "sweep.escalation_cron"
)

// Defaults applied when a key is absent or unparseable.
const (
	DefaultWindow         = 10 * time.Minute
	DefaultBuffer         = 1 * time.Minute
	DefaultMaxDelay       = 15 * time.Minute
	DefaultDueCron        = "*/5 * * * *"
	DefaultStartCron      = "*/5 * * * *"
	DefaultEscalationCron = "*/10 * * * *"
)

// Snapshot is one parsed, immutable view of the scheduler settings.
type Snapshot struct {
	Window         time.Duration
	Buffer         time.Duration
	MaxDelay       time.Duration
	DueCron        string
	StartCron      string
	EscalationCron string
}

// DefaultSnapshot returns the built-in settings used before the first load
// and as the fallback for individual missing keys.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		Window:         DefaultWindow,
		Buffer:         DefaultBuffer,
		MaxDelay:       DefaultMaxDelay,
		DueCron:        DefaultDueCron,
		StartCron:      DefaultStartCron,
		EscalationCron: DefaultEscalationCron,
	}
}

// Store reads and writes raw settings rows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// All returns every stored setting keyed by name.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM taskpulse.settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set upserts a single setting. The new value takes effect at the next
// provider refresh.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskpulse.settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}

// Source is the raw-settings fetch the provider depends on.
type Source interface {
	All(ctx context.Context) (map[string]string, error)
}

// Provider caches a parsed Snapshot and refreshes it on an interval. A
// failed refresh keeps the last known snapshot so sweeps are never blocked
// on the settings table.
type Provider struct {
	source   Source
	logger   *logging.Logger
	interval time.Duration

	mu       sync.RWMutex
	current  Snapshot
	onChange func(old, new Snapshot)
}

func NewProvider(source Source, logger *logging.Logger, interval time.Duration) *Provider {
	return &Provider{
		source:   source,
		logger:   logger,
		interval: interval,
		current:  DefaultSnapshot(),
	}
}

// OnChange registers a callback invoked after a refresh that produced a
// different snapshot. Must be called before Run.
func (p *Provider) OnChange(fn func(old, new Snapshot)) {
	p.onChange = fn
}

// Current returns the latest snapshot. Safe for concurrent use.
func (p *Provider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Refresh fetches and parses settings once, replacing the cached snapshot
// on success.
func (p *Provider) Refresh(ctx context.Context) error {
	raw, err := p.source.All(ctx)
	if err != nil {
		metrics.RecordSettingsRefresh("error")
		p.logger.WithContext(ctx).WithError(err).Warn("settings refresh failed, keeping last known snapshot")
		return err
	}

	next := p.parse(raw)
	metrics.RecordSettingsRefresh("success")

	p.mu.Lock()
	old := p.current
	p.current = next
	p.mu.Unlock()

	if next != old && p.onChange != nil {
		p.onChange(old, next)
	}
	return nil
}

// Run refreshes immediately, then on every tick until ctx is cancelled.
func (p *Provider) Run(ctx context.Context) {
	_ = p.Refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

func (p *Provider) parse(raw map[string]string) Snapshot {
	snap := DefaultSnapshot()
	snap.Window = p.parseSpan(raw, KeyWindowValue, KeyWindowUnit, DefaultWindow)
	snap.Buffer = p.parseSpan(raw, KeyBufferValue, KeyBufferUnit, DefaultBuffer)

	if v, ok := raw[KeyMaxDelayMS]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			p.logger.Plain().WithField("key", KeyMaxDelayMS).WithField("value", v).
				Warn("invalid setting, using default")
		} else {
			snap.MaxDelay = time.Duration(ms) * time.Millisecond
		}
	}

	if v, ok := raw[KeyDueCron]; ok && v != "" {
		snap.DueCron = v
	}
	if v, ok := raw[KeyStartCron]; ok && v != "" {
		snap.StartCron = v
	}
	if v, ok := raw[KeyEscalationCron]; ok && v != "" {
		snap.EscalationCron = v
	}
	return snap
}

// parseSpan combines a numeric value key and a unit key into a duration.
func (p *Provider) parseSpan(raw map[string]string, valueKey, unitKey string, fallback time.Duration) time.Duration {
	valStr, okV := raw[valueKey]
	unit, okU := raw[unitKey]
	if !okV && !okU {
		return fallback
	}

	val, err := strconv.Atoi(valStr)
	if err != nil || val <= 0 {
		p.logger.Plain().WithField("key", valueKey).WithField("value", valStr).
			Warn("invalid setting, using default")
		return fallback
	}

	switch unit {
	case "seconds":
		return time.Duration(val) * time.Second
	case "minutes":
		return time.Duration(val) * time.Minute
	case "hours":
		return time.Duration(val) * time.Hour
	default:
		p.logger.Plain().WithField("key", unitKey).WithField("value", unit).
			Warn("invalid setting, using default")
		return fallback
	}
}
