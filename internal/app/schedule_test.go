package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stokvel/stokvel-service/internal/domain"
)

// activeStokvel creates "Alice SV" with alice and bob (15000) as active members.
func (e *testEnv) activeStokvel(t *testing.T) (*domain.Stokvel, *domain.User, *domain.User) {
	t.Helper()
	alice := e.addUser(t, alicePhone, "Alice")
	sv := e.createStokvel(t, aliceStokvelParams()).Stokvel
	bob := e.join(t, sv.Name, bobPhone, "Bob", 15000)
	e.acceptAll(t, sv.ID, alice.ID)
	e.acceptAll(t, sv.ID, bob.ID)
	return sv, alice, bob
}

func (e *testEnv) deposit(t *testing.T, stokvelID, userID string, amount int64, at time.Time) {
	t.Helper()
	tx := &domain.Transaction{
		ID:        "dep-" + userID + "-" + at.Format("20060102"),
		UserID:    userID,
		StokvelID: stokvelID,
		Amount:    amount,
		Type:      domain.TxDeposit,
		TxDate:    at,
		CreatedAt: at,
	}
	if _, err := e.repo.InsertTransaction(context.Background(), tx); err != nil {
		t.Fatalf("InsertTransaction returned error: %v", err)
	}
}

func (e *testEnv) schedule(t *testing.T, kind domain.ScheduleKind, stokvelID string) *domain.Schedule {
	t.Helper()
	sched, err := e.repo.FindSchedule(context.Background(), kind, stokvelID)
	if err != nil {
		t.Fatalf("FindSchedule(%s) returned error: %v", kind, err)
	}
	return sched
}

func amountsByUser(txs []domain.Transaction) map[string][]int64 {
	out := make(map[string][]int64)
	for _, tx := range txs {
		out[tx.UserID] = append(out[tx.UserID], tx.Amount)
	}
	return out
}

func TestTick_FirstContributionUsesInitialPayment(t *testing.T) {
	env := newTestEnv(t)
	sv, alice, bob := env.activeStokvel(t)
	ctx := context.Background()
	env.clock.Set(date(2025, time.January, 1))

	report, err := env.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if report.Stokvels != 1 || report.Contributions != 1 || len(report.Stalled) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	deposits := amountsByUser(env.transactions(t, sv.ID, domain.TxDeposit))
	if len(deposits[alice.ID]) != 1 || deposits[alice.ID][0] != 10000 {
		t.Fatalf("expected alice deposit of 10000, got %v", deposits[alice.ID])
	}
	if len(deposits[bob.ID]) != 1 || deposits[bob.ID][0] != 15000 {
		t.Fatalf("expected bob deposit of 15000, got %v", deposits[bob.ID])
	}
	if len(env.gateway.initial) < 2 {
		t.Fatalf("expected initial payments for the first contribution, got %d", len(env.gateway.initial))
	}

	member, _ := env.repo.FindMember(ctx, sv.ID, bob.ID)
	grant := member.UserContributionGrant
	if grant.QuoteID != "" || !strings.HasPrefix(grant.ContinueToken, "initial-token") || !grant.Accepted {
		t.Fatalf("expected rotated grant without quote, got %+v", grant)
	}
	if next := env.schedule(t, domain.ScheduleContribution, sv.ID).NextDate; !next.Equal(date(2025, time.February, 1)) {
		t.Fatalf("expected next contribution on Feb 1, got %v", next)
	}
	if msgs := env.notifier.containing("Your contribution of R150.00 to Alice SV has been received."); len(msgs) != 1 {
		t.Fatalf("expected contribution receipt, got %v", msgs)
	}

	again, err := env.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("second Tick returned error: %v", err)
	}
	if again.Stokvels != 0 {
		t.Fatalf("expected nothing due on second tick, got %+v", again)
	}
	if got := len(env.transactions(t, sv.ID, domain.TxDeposit)); got != 2 {
		t.Fatalf("expected no duplicate deposits, got %d", got)
	}

	result, err := env.engine.contributions.Run(ctx, sv.ID, date(2025, time.January, 1))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Skipped != 2 || result.Attempted != 0 {
		t.Fatalf("expected both members skipped, got %+v", result)
	}
}

func TestTick_SubsequentContributionsAreRecurring(t *testing.T) {
	env := newTestEnv(t)
	sv, _, bob := env.activeStokvel(t)
	ctx := context.Background()

	env.clock.Set(date(2025, time.January, 1))
	if _, err := env.engine.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	env.clock.Set(date(2025, time.February, 1))
	if _, err := env.engine.Tick(ctx); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	var bobRecurring int
	for _, req := range env.gateway.recurring {
		if req.SenderWalletAddress == bob.WalletAddress {
			bobRecurring++
			if req.ContributionValue == nil || *req.ContributionValue != 15000 {
				t.Fatalf("expected contribution value 15000, got %v", req.ContributionValue)
			}
			if req.ReceivingWalletAddress != stokvelWallet || !strings.HasPrefix(req.PreviousToken, "initial-token") {
				t.Fatalf("unexpected recurring request: %+v", req)
			}
		}
	}
	if bobRecurring != 1 {
		t.Fatalf("expected one recurring payment from bob, got %d", bobRecurring)
	}
	if got := len(env.transactions(t, sv.ID, domain.TxDeposit)); got != 4 {
		t.Fatalf("expected 4 deposits, got %d", got)
	}
}

func TestPayoutWorker_PaysPrincipalAndInterestShare(t *testing.T) {
	env := newTestEnv(t)
	sv, alice, bob := env.activeStokvel(t)
	ctx := context.Background()

	for _, month := range []time.Month{time.January, time.February, time.March} {
		env.deposit(t, sv.ID, alice.ID, 10000, date(2025, month, 1))
		env.deposit(t, sv.ID, bob.ID, 15000, date(2025, month, 1))
	}
	for _, month := range []time.Month{time.February, time.March, time.April} {
		if _, err := env.repo.InsertInterest(ctx, domain.InterestEntry{StokvelID: sv.ID, Date: date(2025, month, 1), InterestValue: 1000}); err != nil {
			t.Fatalf("InsertInterest returned error: %v", err)
		}
	}
	env.clock.Set(date(2025, time.April, 1))

	amount, err := env.calculator.Compute(ctx, sv.ID, alice.ID, date(2025, time.April, 1))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if amount.Principal != 30000 || amount.Interest != 1200 {
		t.Fatalf("expected 30000 + 1200, got %+v", amount)
	}

	result, err := env.engine.payouts.Run(ctx, sv.ID, date(2025, time.April, 1))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 {
		t.Fatalf("expected 2 payouts, got %+v", result)
	}

	payouts := amountsByUser(env.transactions(t, sv.ID, domain.TxPayout))
	if len(payouts[alice.ID]) != 1 || payouts[alice.ID][0] != 31200 {
		t.Fatalf("expected alice payout of 31200, got %v", payouts[alice.ID])
	}
	if len(payouts[bob.ID]) != 1 || payouts[bob.ID][0] != 46800 {
		t.Fatalf("expected bob payout of 46800, got %v", payouts[bob.ID])
	}
	for _, req := range env.gateway.payouts {
		if req.SenderWalletAddress != stokvelWallet || req.PayoutValue == nil {
			t.Fatalf("unexpected payout request: %+v", req)
		}
	}
	if msgs := env.notifier.containing("You have received a payout of R468.00"); len(msgs) != 1 || msgs[0].to != bobPhone {
		t.Fatalf("expected payout notification to bob, got %v", msgs)
	}

	again, err := env.engine.payouts.Run(ctx, sv.ID, date(2025, time.April, 1))
	if err != nil {
		t.Fatalf("second Run returned error: %v", err)
	}
	if again.Skipped != 2 || again.Attempted != 0 {
		t.Fatalf("expected both members skipped, got %+v", again)
	}

	// Nothing new has been deposited since the payout.
	next, err := env.calculator.Compute(ctx, sv.ID, alice.ID, date(2025, time.May, 1))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if next.Total() != 0 {
		t.Fatalf("expected nothing owed after payout, got %+v", next)
	}
}

func TestPayoutCalculator_SplitsInterestByAccrualMonth(t *testing.T) {
	type deposit struct {
		bob    bool
		amount int64
		at     time.Time
	}
	type interest struct {
		at    time.Time
		value int64
	}
	tests := []struct {
		name          string
		deposits      []deposit
		interest      []interest
		through       time.Time
		expectedAlice PayoutAmount
		expectedBob   PayoutAmount
	}{
		{
			name: "unequal history splits by the covered month only",
			deposits: []deposit{
				{false, 10000, date(2025, time.January, 1)},
				{false, 10000, date(2025, time.February, 1)},
				{true, 10000, date(2025, time.February, 1)},
			},
			interest:      []interest{{date(2025, time.March, 1), 3000}},
			through:       date(2025, time.March, 1),
			expectedAlice: PayoutAmount{Principal: 20000, Interest: 1500},
			expectedBob:   PayoutAmount{Principal: 10000, Interest: 1500},
		},
		{
			name: "member joining mid window earns nothing for earlier months",
			deposits: []deposit{
				{false, 10000, date(2025, time.January, 1)},
				{false, 10000, date(2025, time.February, 1)},
				{false, 10000, date(2025, time.March, 1)},
				{true, 30000, date(2025, time.March, 1)},
			},
			interest: []interest{
				{date(2025, time.February, 1), 1000},
				{date(2025, time.March, 1), 1000},
				{date(2025, time.April, 1), 1200},
			},
			through:       date(2025, time.April, 1),
			expectedAlice: PayoutAmount{Principal: 30000, Interest: 2300},
			expectedBob:   PayoutAmount{Principal: 30000, Interest: 900},
		},
		{
			name: "contribution change applies from its month",
			deposits: []deposit{
				{false, 10000, date(2025, time.January, 1)},
				{true, 10000, date(2025, time.January, 1)},
				{false, 30000, date(2025, time.February, 1)},
				{true, 10000, date(2025, time.February, 1)},
			},
			interest: []interest{
				{date(2025, time.February, 1), 2000},
				{date(2025, time.March, 1), 4000},
			},
			through:       date(2025, time.March, 1),
			expectedAlice: PayoutAmount{Principal: 40000, Interest: 4000},
			expectedBob:   PayoutAmount{Principal: 20000, Interest: 2000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			sv, alice, bob := env.activeStokvel(t)
			ctx := context.Background()

			for _, d := range tt.deposits {
				userID := alice.ID
				if d.bob {
					userID = bob.ID
				}
				env.deposit(t, sv.ID, userID, d.amount, d.at)
			}
			for _, entry := range tt.interest {
				if _, err := env.repo.InsertInterest(ctx, domain.InterestEntry{StokvelID: sv.ID, Date: entry.at, InterestValue: entry.value}); err != nil {
					t.Fatalf("InsertInterest returned error: %v", err)
				}
			}

			for user, expected := range map[string]PayoutAmount{alice.ID: tt.expectedAlice, bob.ID: tt.expectedBob} {
				got, err := env.calculator.Compute(ctx, sv.ID, user, tt.through)
				if err != nil {
					t.Fatalf("Compute returned error: %v", err)
				}
				if got != expected {
					t.Fatalf("expected %+v for %s, got %+v", expected, user, got)
				}
			}
		})
	}
}

func TestTick_CatchesUpMissedOccurrencesInOrder(t *testing.T) {
	env := newTestEnv(t)
	sv, alice, bob := env.activeStokvel(t)
	env.clock.Set(date(2025, time.March, 15))

	report, err := env.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if report.Contributions != 3 || report.Payouts != 3 {
		t.Fatalf("expected 3 contributions and 3 payouts, got %+v", report)
	}

	deposits := amountsByUser(env.transactions(t, sv.ID, domain.TxDeposit))
	payouts := amountsByUser(env.transactions(t, sv.ID, domain.TxPayout))
	for user, want := range map[string]int64{alice.ID: 10000, bob.ID: 15000} {
		if len(deposits[user]) != 3 || len(payouts[user]) != 3 {
			t.Fatalf("expected 3 deposits and 3 payouts for %s, got %v / %v", user, deposits[user], payouts[user])
		}
		for _, got := range payouts[user] {
			if got != want {
				t.Fatalf("expected each payout of %s to equal %d, got %v", user, want, payouts[user])
			}
		}
	}

	for _, kind := range []domain.ScheduleKind{domain.ScheduleContribution, domain.SchedulePayout} {
		sched := env.schedule(t, kind, sv.ID)
		if !sched.NextDate.Equal(date(2025, time.April, 1)) {
			t.Fatalf("expected next %s on Apr 1, got %v", kind, sched.NextDate)
		}
		if sched.PreviousDate == nil || !sched.PreviousDate.Equal(date(2025, time.March, 1)) {
			t.Fatalf("expected previous %s on Mar 1, got %v", kind, sched.PreviousDate)
		}
	}
}

func TestTick_AllMembersFailingStallsStokvel(t *testing.T) {
	env := newTestEnv(t)
	sv, alice, bob := env.activeStokvel(t)
	env.gateway.fail(alice.WalletAddress)
	env.gateway.fail(bob.WalletAddress)
	env.clock.Set(date(2025, time.January, 1))
	ctx := context.Background()

	report, err := env.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if len(report.Stalled) != 1 || report.Stalled[0] != sv.ID {
		t.Fatalf("expected stokvel to stall, got %+v", report)
	}
	if got := len(env.transactions(t, sv.ID, domain.TxDeposit)); got != 0 {
		t.Fatalf("expected no deposits, got %d", got)
	}
	if got := len(env.transactions(t, sv.ID, domain.TxPayout)); got != 0 {
		t.Fatalf("expected payout to wait for the contribution, got %d payouts", got)
	}
	for _, kind := range []domain.ScheduleKind{domain.ScheduleContribution, domain.SchedulePayout} {
		if next := env.schedule(t, kind, sv.ID).NextDate; !next.Equal(date(2025, time.January, 1)) {
			t.Fatalf("expected %s schedule not to advance, got %v", kind, next)
		}
	}

	env.gateway.recover(alice.WalletAddress)
	env.gateway.recover(bob.WalletAddress)
	report, err = env.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if len(report.Stalled) != 0 || report.Contributions != 1 || report.Payouts != 1 {
		t.Fatalf("expected the retry to complete, got %+v", report)
	}
	if got := len(env.transactions(t, sv.ID, domain.TxDeposit)); got != 2 {
		t.Fatalf("expected 2 deposits after recovery, got %d", got)
	}
}

func TestTick_PartialFailureStillAdvances(t *testing.T) {
	env := newTestEnv(t)
	sv, alice, bob := env.activeStokvel(t)
	env.gateway.fail(bob.WalletAddress)
	env.clock.Set(date(2025, time.January, 1))

	report, err := env.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if len(report.Stalled) != 0 || report.Contributions != 1 {
		t.Fatalf("expected contribution to advance, got %+v", report)
	}
	deposits := env.transactions(t, sv.ID, domain.TxDeposit)
	if len(deposits) != 1 || deposits[0].UserID != alice.ID {
		t.Fatalf("expected only alice's deposit, got %+v", deposits)
	}
	if next := env.schedule(t, domain.ScheduleContribution, sv.ID).NextDate; !next.Equal(date(2025, time.February, 1)) {
		t.Fatalf("expected next contribution on Feb 1, got %v", next)
	}
}

func TestTick_StokvelsAreIndependent(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, alicePhone, "Alice")
	bob := env.addUser(t, bobPhone, "Bob")
	ctx := context.Background()

	first := env.createStokvel(t, aliceStokvelParams()).Stokvel
	params := aliceStokvelParams()
	params.Name = "Bob SV"
	params.WalletAddress = "https://ilp.example/bobs_stokvel"
	second, err := env.stokvels.Create(ctx, bobPhone, params)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	env.acceptAll(t, first.ID, alice.ID)
	env.acceptAll(t, second.Stokvel.ID, bob.ID)

	env.gateway.fail(alice.WalletAddress)
	env.clock.Set(date(2025, time.January, 1))

	report, err := env.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if report.Stokvels != 2 {
		t.Fatalf("expected 2 stokvels processed, got %d", report.Stokvels)
	}
	if len(report.Stalled) != 1 || report.Stalled[0] != first.ID {
		t.Fatalf("expected only the first stokvel to stall, got %v", report.Stalled)
	}
	if got := len(env.transactions(t, second.Stokvel.ID, domain.TxDeposit)); got != 1 {
		t.Fatalf("expected the second stokvel to collect, got %d deposits", got)
	}
}

func TestTick_ReportsLeaseExpiry(t *testing.T) {
	env := newTestEnv(t)
	sv, _, _ := env.activeStokvel(t)
	env.clock.Set(date(2025, time.January, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.Tick(ctx)
	if !errors.Is(err, domain.ErrScheduleLeaseExpired) {
		t.Fatalf("expected ErrScheduleLeaseExpired, got %v", err)
	}
	if next := env.schedule(t, domain.ScheduleContribution, sv.ID).NextDate; !next.Equal(date(2025, time.January, 1)) {
		t.Fatalf("expected schedule untouched, got %v", next)
	}
}

func TestTick_StopsContributionsAtEndDate(t *testing.T) {
	env := newTestEnv(t)
	sv, _, _ := env.activeStokvel(t)
	env.clock.Set(date(2025, time.July, 1))

	if _, err := env.engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	// Jan through May are collected; the end date itself only carries a payout.
	if got := len(env.transactions(t, sv.ID, domain.TxDeposit)); got != 10 {
		t.Fatalf("expected 10 deposits, got %d", got)
	}
	if next := env.schedule(t, domain.SchedulePayout, sv.ID).NextDate; !next.Equal(date(2025, time.July, 1)) {
		t.Fatalf("expected final payout on Jun 1 to advance the schedule, got %v", next)
	}
	if _, err := env.engine.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if got := len(env.transactions(t, sv.ID, domain.TxDeposit)); got != 10 {
		t.Fatalf("expected no further deposits, got %d", got)
	}
}
