/**
 * @description
 * Scheduled job implementations run by the cron Scheduler.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// Ticker runs one schedule engine pass.
type Ticker interface {
	Tick(ctx context.Context) (*TickReport, error)
}

// Accruer records interest for every stokvel.
type Accruer interface {
	AccrueAll(ctx context.Context, asOf time.Time) error
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	engine   Ticker
	interest Accruer
	clock    Clock
	logger   *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(engine Ticker, interest Accruer, clock Clock, logger *slog.Logger) *Jobs {
	return &Jobs{
		engine:   engine,
		interest: interest,
		clock:    clock,
		logger:   logger,
	}
}

// RunScheduleTick processes every due contribution and payout schedule.
func (j *Jobs) RunScheduleTick() {
	ctx := context.Background()

	report, err := j.engine.Tick(ctx)
	if err != nil {
		j.logger.Error("schedule tick failed", "error", err)
		return
	}
	if report.Stokvels == 0 {
		j.logger.Debug("no schedules due")
		return
	}
	for stokvelID, tickErr := range report.Errors {
		j.logger.Warn("stokvel schedule not completed", "stokvel_id", stokvelID, "error", tickErr)
	}
}

// RunInterestAccrual records the interest of every month that has ended.
func (j *Jobs) RunInterestAccrual() {
	j.logger.Info("starting interest accrual job")
	ctx := context.Background()

	if err := j.interest.AccrueAll(ctx, j.clock.Now()); err != nil {
		j.logger.Error("failed to accrue interest", "error", err)
		return
	}

	j.logger.Info("interest accrual job finished")
}
