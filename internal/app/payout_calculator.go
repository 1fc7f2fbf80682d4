package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

// PayoutCalculator derives what a member is owed from the ledger.
type PayoutCalculator struct {
	repo store.Repository
}

func NewPayoutCalculator(repo store.Repository) *PayoutCalculator {
	return &PayoutCalculator{repo: repo}
}

// PayoutAmount is the breakdown of one member payout.
type PayoutAmount struct {
	Principal int64
	Interest  int64
}

func (p PayoutAmount) Total() int64 { return p.Principal + p.Interest }

// lastPayout returns the member's latest payout strictly before through, or nil.
func (c *PayoutCalculator) lastPayout(ctx context.Context, stokvelID, userID string, through time.Time) (*time.Time, error) {
	last, err := c.repo.LastTransactionDate(ctx, stokvelID, userID, domain.TxPayout)
	if err != nil {
		return nil, fmt.Errorf("failed to load last payout: %w", err)
	}
	if last == nil || last.Before(through) {
		return last, nil
	}
	// A payout at or after through: fall back to the ledger scan.
	before := through.Add(-time.Nanosecond)
	payouts, err := c.repo.ListTransactions(ctx, store.TransactionFilter{
		StokvelID: stokvelID,
		UserID:    userID,
		Type:      domain.TxPayout,
		Through:   &before,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load payouts: %w", err)
	}
	if len(payouts) == 0 {
		return nil, nil
	}
	latest := payouts[0].TxDate
	for _, p := range payouts[1:] {
		if p.TxDate.After(latest) {
			latest = p.TxDate
		}
	}
	return &latest, nil
}

func (c *PayoutCalculator) depositTotal(ctx context.Context, stokvelID, userID string, after *time.Time, through time.Time) (int64, error) {
	deposits, err := c.repo.ListTransactions(ctx, store.TransactionFilter{
		StokvelID: stokvelID,
		UserID:    userID,
		Type:      domain.TxDeposit,
		After:     after,
		Through:   &through,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load deposits: %w", err)
	}
	return sumAmounts(deposits), nil
}

// Principal is the member's deposits since their last payout, up to and including through.
func (c *PayoutCalculator) Principal(ctx context.Context, stokvelID, userID string, through time.Time) (int64, error) {
	last, err := c.lastPayout(ctx, stokvelID, userID, through)
	if err != nil {
		return 0, err
	}
	return c.depositTotal(ctx, stokvelID, userID, last, through)
}

// Compute returns principal plus the member's share of every interest entry accrued since
// their last payout. Each entry is split by the member's fraction of the stokvel's deposits
// in the calendar month the entry covers.
func (c *PayoutCalculator) Compute(ctx context.Context, stokvelID, userID string, through time.Time) (PayoutAmount, error) {
	last, err := c.lastPayout(ctx, stokvelID, userID, through)
	if err != nil {
		return PayoutAmount{}, err
	}
	principal, err := c.depositTotal(ctx, stokvelID, userID, last, through)
	if err != nil {
		return PayoutAmount{}, err
	}
	share, err := c.interestShare(ctx, stokvelID, userID, last, through)
	if err != nil {
		return PayoutAmount{}, err
	}
	return PayoutAmount{Principal: principal, Interest: share}, nil
}

// InterestShare is the member's share of all interest accrued up to through.
func (c *PayoutCalculator) InterestShare(ctx context.Context, stokvelID, userID string, through time.Time) (int64, error) {
	return c.interestShare(ctx, stokvelID, userID, nil, through)
}

func (c *PayoutCalculator) interestShare(ctx context.Context, stokvelID, userID string, after *time.Time, through time.Time) (int64, error) {
	var from time.Time
	if after != nil {
		from = *after
	}
	entries, err := c.repo.ListInterest(ctx, stokvelID, from, through)
	if err != nil {
		return 0, fmt.Errorf("failed to load interest: %w", err)
	}

	share := decimal.Zero
	for _, entry := range entries {
		if entry.InterestValue == 0 {
			continue
		}
		memberDeposits, stokvelDeposits, err := c.accrualMonthDeposits(ctx, stokvelID, userID, entry.Date)
		if err != nil {
			return 0, err
		}
		if stokvelDeposits == 0 {
			continue
		}
		ratio := decimal.NewFromInt(memberDeposits).Div(decimal.NewFromInt(stokvelDeposits))
		share = share.Add(ratio.Mul(decimal.NewFromInt(entry.InterestValue)))
	}
	return share.Round(0).IntPart(), nil
}

// accrualMonthDeposits sums the member's and the stokvel's deposits in the month before the
// entry's month. Entries are dated on the first of M+1, so that window is month M.
func (c *PayoutCalculator) accrualMonthDeposits(ctx context.Context, stokvelID, userID string, entryDate time.Time) (int64, int64, error) {
	end := domain.MonthStart(entryDate)
	start := end.AddDate(0, -1, 0)
	after := start.Add(-time.Nanosecond)
	through := end.Add(-time.Nanosecond)

	member, err := c.depositTotal(ctx, stokvelID, userID, &after, through)
	if err != nil {
		return 0, 0, err
	}
	stokvel, err := c.depositTotal(ctx, stokvelID, "", &after, through)
	if err != nil {
		return 0, 0, err
	}
	return member, stokvel, nil
}
