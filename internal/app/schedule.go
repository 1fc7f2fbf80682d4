/**
 * @description
 * ScheduleEngine drives the contribution and payout schedules of every stokvel.
 *
 * @notes
 * - A schedule row is advanced, by compare-and-set on next_date, only after its
 *   worker run completes without a ledger error and at least one attempted member
 *   succeeded. Failed rows are retried on the next tick.
 * - Occurrences of one stokvel run in date order; a contribution precedes a payout
 *   at the same instant, and a payout never runs while an earlier contribution is
 *   still outstanding. Interest is accrued before each payout.
 * - Distinct stokvels run in parallel, bounded by the configured parallelism.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

// TickReport summarizes one ScheduleEngine tick.
type TickReport struct {
	Stokvels      int
	Contributions int
	Payouts       int
	Stalled       []string
	Errors        map[string]error
}

type ScheduleEngine struct {
	repo          store.Repository
	contributions *ContributionWorker
	payouts       *PayoutWorker
	interest      *InterestAccrual
	clock         Clock
	budget        time.Duration
	parallelism   int
	metrics       *Metrics
	logger        *slog.Logger
}

func NewScheduleEngine(repo store.Repository, contributions *ContributionWorker, payouts *PayoutWorker, interest *InterestAccrual, clock Clock, budget time.Duration, parallelism int, metrics *Metrics, logger *slog.Logger) *ScheduleEngine {
	if parallelism < 1 {
		parallelism = 1
	}
	return &ScheduleEngine{
		repo:          repo,
		contributions: contributions,
		payouts:       payouts,
		interest:      interest,
		clock:         clock,
		budget:        budget,
		parallelism:   parallelism,
		metrics:       metrics,
		logger:        logger,
	}
}

// Tick processes every schedule due at the clock's current time.
func (e *ScheduleEngine) Tick(ctx context.Context) (*TickReport, error) {
	started := time.Now()
	now := e.clock.Now()

	if e.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.budget)
		defer cancel()
	}

	stokvelIDs, err := e.dueStokvels(ctx, now)
	if err != nil {
		e.metrics.observeTick("error", time.Since(started))
		return nil, err
	}

	report := &TickReport{Stokvels: len(stokvelIDs), Errors: make(map[string]error)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for _, id := range stokvelIDs {
		stokvelID := id
		g.Go(func() error {
			contributions, payouts, err := e.processStokvel(ctx, stokvelID, now)
			mu.Lock()
			defer mu.Unlock()
			report.Contributions += contributions
			report.Payouts += payouts
			if err != nil {
				report.Errors[stokvelID] = err
				if errors.Is(err, errStalled) {
					report.Stalled = append(report.Stalled, stokvelID)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Stalled)

	if ctx.Err() != nil {
		e.metrics.observeTick("abandoned", time.Since(started))
		e.logger.Error("schedule tick exceeded its budget", "budget", e.budget, "stokvels", len(stokvelIDs))
		return report, domain.ErrScheduleLeaseExpired.Wrap("schedule tick", ctx.Err())
	}

	result := "success"
	if len(report.Errors) > 0 {
		result = "partial"
	}
	e.metrics.observeTick(result, time.Since(started))
	e.logger.Info("schedule tick finished", "stokvels", report.Stokvels, "contributions", report.Contributions,
		"payouts", report.Payouts, "failed_stokvels", len(report.Errors))
	return report, nil
}

func (e *ScheduleEngine) dueStokvels(ctx context.Context, now time.Time) ([]string, error) {
	seen := make(map[string]struct{})
	for _, kind := range []domain.ScheduleKind{domain.ScheduleContribution, domain.SchedulePayout} {
		due, err := e.repo.ListDueSchedules(ctx, kind, now)
		if err != nil {
			return nil, fmt.Errorf("failed to list due %s schedules: %w", kind, err)
		}
		for _, s := range due {
			seen[s.StokvelID] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// errStalled marks a stokvel whose next occurrence failed and was left for the next tick.
var errStalled = errors.New("schedule occurrence failed; not advanced")

// processStokvel catches up every due occurrence of one stokvel and reports how many
// contribution and payout occurrences were completed.
func (e *ScheduleEngine) processStokvel(ctx context.Context, stokvelID string, now time.Time) (int, int, error) {
	sv, err := e.repo.FindStokvelByID(ctx, stokvelID)
	if err != nil {
		return 0, 0, err
	}

	var contributions, payouts int
	for {
		if err := ctx.Err(); err != nil {
			return contributions, payouts, err
		}
		contribution, err := e.repo.FindSchedule(ctx, domain.ScheduleContribution, stokvelID)
		if err != nil {
			return contributions, payouts, err
		}
		payout, err := e.repo.FindSchedule(ctx, domain.SchedulePayout, stokvelID)
		if err != nil {
			return contributions, payouts, err
		}

		contributionDue := contribution.Due(now)
		payoutDue := payout.Due(now)
		if !contributionDue && !payoutDue {
			break
		}

		next := payout
		if contributionDue && (!payoutDue || !contribution.NextDate.After(payout.NextDate)) {
			next = contribution
		} else if _, err := e.interest.AccrueDue(ctx, sv, payout.NextDate); err != nil {
			return contributions, payouts, fmt.Errorf("interest accrual before payout: %w", err)
		}

		advanced, err := e.runOccurrence(ctx, *next)
		if err != nil {
			return contributions, payouts, err
		}
		if !advanced {
			return contributions, payouts, errStalled
		}
		if next.Kind == domain.ScheduleContribution {
			contributions++
		} else {
			payouts++
		}
	}

	if _, err := e.interest.AccrueDue(ctx, sv, now); err != nil {
		return contributions, payouts, fmt.Errorf("interest accrual: %w", err)
	}
	return contributions, payouts, nil
}

// runOccurrence executes one schedule occurrence and advances the row when it succeeded.
func (e *ScheduleEngine) runOccurrence(ctx context.Context, sched domain.Schedule) (bool, error) {
	var (
		result WorkerResult
		err    error
	)
	switch sched.Kind {
	case domain.ScheduleContribution:
		result, err = e.contributions.Run(ctx, sched.StokvelID, sched.NextDate)
	case domain.SchedulePayout:
		result, err = e.payouts.Run(ctx, sched.StokvelID, sched.NextDate)
	default:
		return false, domain.Fatal("unknown schedule kind " + string(sched.Kind))
	}
	if err != nil {
		e.logger.Error("schedule occurrence aborted", "kind", sched.Kind, "stokvel_id", sched.StokvelID, "scheduled", sched.NextDate, "error", err)
		return false, err
	}
	if result.AllFailed() {
		e.logger.Warn("every member payment failed; schedule not advanced", "kind", sched.Kind, "stokvel_id", sched.StokvelID,
			"scheduled", sched.NextDate, "attempted", result.Attempted)
		return false, nil
	}

	next := sched.Advanced()
	if err := e.repo.AdvanceSchedule(ctx, sched.Kind, sched.StokvelID, sched.NextDate, next); err != nil {
		if errors.Is(err, domain.ErrScheduleConflict) {
			e.logger.Warn("schedule advanced concurrently", "kind", sched.Kind, "stokvel_id", sched.StokvelID)
			return true, nil
		}
		return false, fmt.Errorf("failed to advance schedule: %w", err)
	}
	e.metrics.observeAdvance(string(sched.Kind))
	e.logger.Info("schedule advanced", "kind", sched.Kind, "stokvel_id", sched.StokvelID,
		"previous", sched.NextDate, "next", next.NextDate, "succeeded", result.Succeeded, "failed", result.Failed)
	return true, nil
}
