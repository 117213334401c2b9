package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/ports"
)

// Job is a unit of periodic background work.
type Job interface {
	Name() string
	Run(ctx context.Context, at time.Time) error
}

// Scheduler wires a ticking driver with background jobs.
type Scheduler struct {
	driver ports.Scheduler
	jobs   []Job
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, logger *slog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{driver: driver, jobs: jobs, logger: logger}
}

// Start registers the jobs with the provided driver. Jobs run in order on
// every tick; a failing job does not stop the others.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || len(s.jobs) == 0 {
		return nil
	}

	tick := func(trigger time.Time) {
		for _, job := range s.jobs {
			if err := job.Run(ctx, trigger); err != nil && s.logger != nil {
				s.logger.Warn("scheduled job failed", "job", job.Name(), "error", err)
			}
		}
	}

	return s.driver.Start(ctx, tick)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
