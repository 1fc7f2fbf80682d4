/**
 * @description
 * Interest accrual for stokvel deposits and the rate providers behind it.
 *
 * @notes
 * - Interest for month M covers the stokvel's deposits made after the month of its
 *   last payout, up to and including M.
 * - The entry is dated the first day of M+1, not the last day of M+1, so every entry
 *   date is a month start. PayoutCalculator relies on this: it splits an entry by the
 *   deposits of the calendar month before MonthStart(entry.Date), which is M. Moving
 *   entries to the month end would shift that window by a month.
 * - Accrual is idempotent per (stokvel, month): an existing entry is never replaced.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

// InterestRateProvider returns the monthly interest multiplier for a stokvel.
type InterestRateProvider interface {
	Rate(ctx context.Context, stokvelID string, month time.Time) (decimal.Decimal, error)
}

// maxRandomRate bounds RandomRate.
var maxRandomRate = decimal.RequireFromString("0.012")

// RandomRate draws a uniform multiplier in [0, 0.012].
type RandomRate struct{}

func (RandomRate) Rate(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.NewFromFloat(rand.Float64()).Mul(maxRandomRate).Round(6), nil
}

// FixedRate applies the same multiplier every month.
type FixedRate struct {
	Value decimal.Decimal
}

func (r FixedRate) Rate(context.Context, string, time.Time) (decimal.Decimal, error) {
	return r.Value, nil
}

// ZeroRate accrues nothing.
type ZeroRate struct{}

func (ZeroRate) Rate(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// NewRateProvider maps INTEREST_RATE_MODE onto a provider.
func NewRateProvider(mode string, fixed float64) (InterestRateProvider, error) {
	switch mode {
	case "random":
		return RandomRate{}, nil
	case "fixed":
		return FixedRate{Value: decimal.NewFromFloat(fixed)}, nil
	case "zero", "":
		return ZeroRate{}, nil
	}
	return nil, fmt.Errorf("unknown interest rate mode %q", mode)
}

// InterestAccrual records monthly interest entries.
type InterestAccrual struct {
	repo    store.Repository
	rates   InterestRateProvider
	metrics *Metrics
	logger  *slog.Logger
}

func NewInterestAccrual(repo store.Repository, rates InterestRateProvider, metrics *Metrics, logger *slog.Logger) *InterestAccrual {
	return &InterestAccrual{repo: repo, rates: rates, metrics: metrics, logger: logger}
}

func addMonths(monthStart time.Time, n int) time.Time {
	return time.Date(monthStart.Year(), monthStart.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
}

// accrualFloor is the first month whose deposits are still unpaid for stokvelID.
func (a *InterestAccrual) accrualFloor(ctx context.Context, sv *domain.Stokvel) (time.Time, error) {
	floor := domain.MonthStart(sv.StartDate)
	lastPayout, err := a.repo.LastTransactionDate(ctx, sv.ID, "", domain.TxPayout)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load last payout: %w", err)
	}
	if lastPayout != nil {
		if next := addMonths(domain.MonthStart(*lastPayout), 1); next.After(floor) {
			floor = next
		}
	}
	return floor, nil
}

// AccrueMonth records the interest entry for month (any instant within it). It reports
// whether a new entry was written.
func (a *InterestAccrual) AccrueMonth(ctx context.Context, sv *domain.Stokvel, month time.Time) (bool, error) {
	month = domain.MonthStart(month)
	floor, err := a.accrualFloor(ctx, sv)
	if err != nil {
		return false, err
	}
	if month.Before(floor) {
		return false, nil
	}
	return a.accrue(ctx, sv, floor, month)
}

func (a *InterestAccrual) accrue(ctx context.Context, sv *domain.Stokvel, floor, month time.Time) (bool, error) {
	after := floor.Add(-time.Nanosecond)
	through := addMonths(month, 1).Add(-time.Nanosecond)
	deposits, err := a.repo.ListTransactions(ctx, store.TransactionFilter{
		StokvelID: sv.ID,
		Type:      domain.TxDeposit,
		After:     &after,
		Through:   &through,
	})
	if err != nil {
		return false, fmt.Errorf("failed to load deposits: %w", err)
	}
	sum := sumAmounts(deposits)
	if sum == 0 {
		return false, nil
	}

	rate, err := a.rates.Rate(ctx, sv.ID, month)
	if err != nil {
		return false, fmt.Errorf("failed to get interest rate: %w", err)
	}
	value := decimal.NewFromInt(sum).Mul(rate).Round(0).IntPart()

	inserted, err := a.repo.InsertInterest(ctx, domain.InterestEntry{
		StokvelID:     sv.ID,
		// First of M+1; see the package notes.
		Date:          addMonths(month, 1),
		InterestValue: value,
	})
	if err != nil {
		return false, fmt.Errorf("failed to insert interest entry: %w", err)
	}
	if inserted {
		a.metrics.observeInterestEntry()
		a.logger.Info("interest accrued", "stokvel_id", sv.ID, "month", month.Format("2006-01"), "deposits", sum, "rate", rate.String(), "interest", value)
	}
	return inserted, nil
}

// AccrueDue records every missing entry for months that ended before asOf.
func (a *InterestAccrual) AccrueDue(ctx context.Context, sv *domain.Stokvel, asOf time.Time) (int, error) {
	floor, err := a.accrualFloor(ctx, sv)
	if err != nil {
		return 0, err
	}
	last := addMonths(domain.MonthStart(asOf), -1)
	if end := domain.MonthStart(sv.EndDate); last.After(end) {
		last = end
	}

	written := 0
	for month := floor; !month.After(last); month = addMonths(month, 1) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		inserted, err := a.accrue(ctx, sv, floor, month)
		if err != nil {
			return written, err
		}
		if inserted {
			written++
		}
	}
	return written, nil
}

// AccrueAll runs AccrueDue for every stokvel. Failures are logged per stokvel.
func (a *InterestAccrual) AccrueAll(ctx context.Context, asOf time.Time) error {
	stokvels, err := a.repo.ListStokvels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stokvels: %w", err)
	}
	for i := range stokvels {
		sv := &stokvels[i]
		if sv.StartDate.After(asOf) {
			continue
		}
		if _, err := a.AccrueDue(ctx, sv, asOf); err != nil {
			a.logger.Error("interest accrual failed", "stokvel_id", sv.ID, "error", err)
		}
	}
	return nil
}

func sumAmounts(txs []domain.Transaction) int64 {
	var total int64
	for _, t := range txs {
		total += t.Amount
	}
	return total
}
