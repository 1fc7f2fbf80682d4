/**
 * @description
 * Cron scheduler setup for the schedule engine and interest accrual jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/stokvel/stokvel-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. A job that is still running when its
// next activation fires is skipped rather than overlapped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ScheduleTickCron, s.jobs.RunScheduleTick); err != nil {
		s.logger.Error("failed to schedule contribution and payout tick job", "error", err)
	} else {
		s.logger.Info("scheduled contribution and payout tick job", "schedule", s.config.ScheduleTickCron)
	}

	if _, err := s.cron.AddFunc(s.config.InterestAccrualCron, s.jobs.RunInterestAccrual); err != nil {
		s.logger.Error("failed to schedule interest accrual job", "error", err)
	} else {
		s.logger.Info("scheduled interest accrual job", "schedule", s.config.InterestAccrualCron)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
