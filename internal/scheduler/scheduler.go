/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/groble/settlement-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.SchedulerConfig
}

// NewScheduler creates a new scheduler instance. Schedules are evaluated in
// the business timezone.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.SchedulerConfig) *Scheduler {
	loc, err := time.LoadLocation(cfg.CronTimezone)
	if err != nil {
		logger.Warn("invalid scheduler timezone, defaulting to UTC", "timezone", cfg.CronTimezone)
		loc = time.UTC
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{cron: c, jobs: jobs, logger: logger, config: cfg}
}

// Register adds the jobs without starting the scheduler.
func (s *Scheduler) Register() error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"settlement period close", s.config.PeriodCloseJobSchedule, s.jobs.CloseSettlementPeriods},
		{"settlement aggregation", s.config.AggregationJobSchedule, s.jobs.AggregateSettlements},
	}

	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.schedule, e.run); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", e.name, e.schedule, err)
		}
		s.logger.Info("scheduled job", "job", e.name, "schedule", e.schedule)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
