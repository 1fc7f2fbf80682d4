package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stokvel/stokvel-service/internal/domain"
)

func TestCreateStokvel_CreatesMembershipSchedulesAndGrants(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, alicePhone, "Alice")
	ctx := context.Background()

	result, err := env.stokvels.Create(ctx, "+"+alicePhone, aliceStokvelParams())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	sv := result.Stokvel
	if sv.TotalMembers != 1 {
		t.Fatalf("expected 1 member, got %d", sv.TotalMembers)
	}

	member, err := env.repo.FindMember(ctx, sv.ID, alice.ID)
	if err != nil {
		t.Fatalf("expected creator membership, got %v", err)
	}
	if member.Status != domain.MemberPending {
		t.Fatalf("expected pending creator, got %s", member.Status)
	}
	if member.ContributionAmount != 10000 {
		t.Fatalf("expected contribution defaulted to the minimum, got %d", member.ContributionAmount)
	}
	if !member.StokvelInitialPayoutRequired {
		t.Fatal("expected initial payout to be required")
	}
	if ok, _ := env.repo.IsAdmin(ctx, sv.ID, alice.ID); !ok {
		t.Fatal("expected creator to be admin")
	}

	for _, kind := range []domain.ScheduleKind{domain.ScheduleContribution, domain.SchedulePayout} {
		sched, err := env.repo.FindSchedule(ctx, kind, sv.ID)
		if err != nil {
			t.Fatalf("expected %s schedule, got %v", kind, err)
		}
		if !sched.NextDate.Equal(sv.StartDate) || sched.PreviousDate != nil {
			t.Fatalf("expected %s schedule to start at %v, got %+v", kind, sv.StartDate, sched)
		}
	}

	if len(env.gateway.setups) != 2 {
		t.Fatalf("expected 2 grant setups, got %d", len(env.gateway.setups))
	}
	contribution, payout := env.gateway.setups[0], env.gateway.setups[1]
	if contribution.PaymentPeriods != 5 || contribution.PaymentPeriodLength != "M" || contribution.LengthBetweenPeriods != "1" {
		t.Fatalf("unexpected contribution grant periods: %+v", contribution)
	}
	if contribution.Value != 10000 || contribution.StartDate != "2025-01-01T00:00:00Z" {
		t.Fatalf("unexpected contribution grant value/start: %+v", contribution)
	}
	if contribution.ReceiverWalletAddress != stokvelWallet || contribution.SenderWalletAddress != alice.WalletAddress {
		t.Fatalf("unexpected contribution grant wallets: %+v", contribution)
	}
	if payout.PaymentPeriods != 10 || payout.PaymentPeriodLength != "W" || payout.NumberOfPeriods != "2" || payout.Value != 1 {
		t.Fatalf("unexpected payout grant: %+v", payout)
	}
	if payout.ReceiverWalletAddress != alice.WalletAddress || payout.SenderWalletAddress != stokvelWallet {
		t.Fatalf("unexpected payout grant wallets: %+v", payout)
	}

	if result.Links == nil || result.Links.ContributionURL == "" || result.Links.PayoutURL == "" {
		t.Fatalf("expected two redirect URLs, got %+v", result.Links)
	}
	if got := len(env.notifier.containing("Please Authorize the recurring grant")); got != 2 {
		t.Fatalf("expected 2 authorization messages, got %d", got)
	}
}

func TestCreateStokvel_DuplicateName(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, alicePhone, "Alice")
	env.createStokvel(t, aliceStokvelParams())

	_, err := env.stokvels.Create(context.Background(), alicePhone, aliceStokvelParams())
	if !errors.Is(err, domain.ErrStokvelNameTaken) {
		t.Fatalf("expected ErrStokvelNameTaken, got %v", err)
	}
}

func TestCreateStokvel_KeepsStokvelWhenGrantSetupFails(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, alicePhone, "Alice")
	env.gateway.failSetup = true

	result, err := env.stokvels.Create(context.Background(), alicePhone, aliceStokvelParams())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if result.Links != nil {
		t.Fatalf("expected no links, got %+v", result.Links)
	}
	if _, err := env.repo.FindStokvelByName(context.Background(), "Alice SV"); err != nil {
		t.Fatalf("expected stokvel to be committed, got %v", err)
	}
}

func TestCreateStokvelParams_Validate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*CreateStokvelParams)
		want     error
		wantKind domain.Kind
	}{
		{name: "valid", mutate: func(*CreateStokvelParams) {}},
		{name: "missing name", mutate: func(p *CreateStokvelParams) { p.Name = "  " }, wantKind: domain.KindValidation},
		{name: "zero members", mutate: func(p *CreateStokvelParams) { p.MaxMembers = 0 }, want: domain.ErrMaxMembersNotPositive},
		{name: "end before start", mutate: func(p *CreateStokvelParams) { p.EndDate = p.StartDate.Add(-time.Hour) }, want: domain.ErrInvalidDates},
		{name: "unknown period", mutate: func(p *CreateStokvelParams) { p.PayoutPeriod = "Fortnights" }, want: domain.ErrInvalidPeriod},
		{name: "payout shorter", mutate: func(p *CreateStokvelParams) { p.PayoutPeriod = domain.PeriodWeeks }, want: domain.ErrPayoutShorterPeriod},
		{name: "creator below minimum", mutate: func(p *CreateStokvelParams) { p.CreatorContribution = 500 }, want: domain.ErrContributionTooLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := aliceStokvelParams()
			tt.mutate(&params)
			err := params.Validate()
			switch {
			case tt.want != nil:
				if !errors.Is(err, tt.want) {
					t.Fatalf("expected %v, got %v", tt.want, err)
				}
			case tt.wantKind != "":
				if domain.KindOf(err) != tt.wantKind {
					t.Fatalf("expected %s error, got %v", tt.wantKind, err)
				}
			case err != nil:
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestStokvelMutators_RequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, alicePhone, "Alice")
	sv := env.createStokvel(t, aliceStokvelParams()).Stokvel
	env.join(t, sv.Name, bobPhone, "Bob", 15000)
	ctx := context.Background()

	if _, err := env.stokvels.Rename(ctx, bobPhone, sv.ID, "Bob SV"); !errors.Is(err, domain.ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	reply, err := env.stokvels.Rename(ctx, alicePhone, sv.ID, "Alice Savings")
	if err != nil || !strings.Contains(reply, "Alice Savings") {
		t.Fatalf("expected rename confirmation, got %q, %v", reply, err)
	}

	if _, err := env.stokvels.ChangeMaxMembers(ctx, alicePhone, sv.ID, 0); !errors.Is(err, domain.ErrMaxMembersNotPositive) {
		t.Fatalf("expected ErrMaxMembersNotPositive, got %v", err)
	}
	if _, err := env.stokvels.ChangeMaxMembers(ctx, alicePhone, sv.ID, 1); !errors.Is(err, domain.ErrCapacityBelowMembers) {
		t.Fatalf("expected ErrCapacityBelowMembers, got %v", err)
	}
	if _, err := env.stokvels.ChangeMaxMembers(ctx, alicePhone, sv.ID, 2); err != nil {
		t.Fatalf("expected capacity change to succeed, got %v", err)
	}
	updated, _ := env.repo.FindStokvelByID(ctx, sv.ID)
	if updated.MaxMembers != 2 || updated.Name != "Alice Savings" {
		t.Fatalf("unexpected stokvel after mutation: %+v", updated)
	}
}

func TestStokvelReadModels(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, alicePhone, "Alice")
	sv := env.createStokvel(t, aliceStokvelParams()).Stokvel
	ctx := context.Background()

	for _, d := range []time.Time{date(2025, time.January, 1), date(2025, time.February, 1)} {
		if _, err := env.repo.InsertTransaction(ctx, &domain.Transaction{ID: d.String(), UserID: alice.ID, StokvelID: sv.ID, Amount: 10000, Type: domain.TxDeposit, TxDate: d, CreatedAt: d}); err != nil {
			t.Fatalf("InsertTransaction returned error: %v", err)
		}
	}
	if _, err := env.repo.InsertInterest(ctx, domain.InterestEntry{StokvelID: sv.ID, Date: date(2025, time.February, 1), InterestValue: 250}); err != nil {
		t.Fatalf("InsertInterest returned error: %v", err)
	}
	env.clock.Set(date(2025, time.February, 10))

	summary, err := env.stokvels.Summary(ctx, alicePhone, sv.ID)
	if err != nil || !strings.Contains(summary, "Total deposits: R200.00") {
		t.Fatalf("unexpected summary %q, %v", summary, err)
	}
	constitution, err := env.stokvels.Constitution(ctx, sv.ID)
	if err != nil || !strings.Contains(constitution, "Minimum contribution: R100.00") || !strings.Contains(constitution, "Maximum number of contributors: 5") {
		t.Fatalf("unexpected constitution %q, %v", constitution, err)
	}
	mine, err := env.stokvels.UserTotalInterest(ctx, alicePhone, sv.ID)
	if err != nil || !strings.Contains(mine, "R2.50") {
		t.Fatalf("unexpected user interest %q, %v", mine, err)
	}
	total, err := env.stokvels.StokvelTotalInterest(ctx, sv.ID)
	if err != nil || !strings.Contains(total, "R2.50") {
		t.Fatalf("unexpected stokvel interest %q, %v", total, err)
	}
}
