package sweep

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/taskpulse/taskpulse/internal/logging"
	"github.com/taskpulse/taskpulse/internal/settings"
)

// Runner owns the cron schedule for the three sweeps. Cron expression
// changes from the settings provider re-register the affected entries.
type Runner struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string
}

func NewRunner(sweeper *Sweeper, logger *logging.Logger) *Runner {
	return &Runner{
		cron:    cron.New(),
		sweeper: sweeper,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
}

// Apply registers (or re-registers) the sweep cron entries for snap. An
// invalid expression keeps the previous entry for that sweep.
func (r *Runner) Apply(snap settings.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{name: "due", spec: snap.DueCron, run: r.sweeper.SweepDue},
		{name: "start", spec: snap.StartCron, run: r.sweeper.SweepStart},
		{name: "escalation", spec: snap.EscalationCron, run: r.sweeper.Escalate},
	}

	var firstErr error
	for _, j := range jobs {
		if r.specs[j.name] == j.spec {
			continue
		}
		run := j.run
		id, err := r.cron.AddFunc(j.spec, func() { run(context.Background()) })
		if err != nil {
			r.logger.Plain().WithField("sweep", j.name).WithField("cron", j.spec).
				WithError(err).Error("invalid cron expression, keeping previous schedule")
			if firstErr == nil {
				firstErr = fmt.Errorf("cron %s %q: %w", j.name, j.spec, err)
			}
			continue
		}
		if old, ok := r.entries[j.name]; ok {
			r.cron.Remove(old)
		}
		r.entries[j.name] = id
		r.specs[j.name] = j.spec
		r.logger.Plain().WithField("sweep", j.name).WithField("cron", j.spec).
			Info("sweep schedule registered")
	}
	return firstErr
}

// Start begins cron execution in its own goroutine.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}
