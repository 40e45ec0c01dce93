// Package janitor sweeps dead sessions out of the in-memory registry on a
// cron schedule. Transcripts and metadata stay on disk; only the live
// process slot is reclaimed.
package janitor

import (
	"fmt"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"
)

// Sweeper is the part of the registry the janitor drives.
type Sweeper interface {
	EvictDead() int
}

// Config holds the janitor's dependencies.
type Config struct {
	Registry Sweeper
	Logger   *slog.Logger
	// Schedule is a cron expression or descriptor such as "@every 10m".
	Schedule string
}

// Janitor runs the dead-session sweep.
type Janitor struct {
	registry Sweeper
	logger   *slog.Logger
	schedule string
	cron     *cronlib.Cron
}

func New(cfg Config) *Janitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 10m"
	}
	return &Janitor{
		registry: cfg.Registry,
		logger:   logger,
		schedule: schedule,
		cron:     cronlib.New(),
	}
}

// Start validates the schedule, runs one immediate sweep, and begins the
// periodic sweeps.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.Sweep); err != nil {
		return fmt.Errorf("parse janitor schedule %q: %w", j.schedule, err)
	}
	j.Sweep()
	j.cron.Start()
	j.logger.Info("janitor started", "schedule", j.schedule)
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// Sweep evicts every dead session once.
func (j *Janitor) Sweep() {
	if n := j.registry.EvictDead(); n > 0 {
		j.logger.Info("janitor: dead sessions evicted", "count", n)
	}
}
