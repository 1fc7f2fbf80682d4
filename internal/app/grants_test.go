package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stokvel/stokvel-service/internal/domain"
)

func TestAcceptGrant_RejectedAndInvalidCallbacks(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, alicePhone, "Alice")
	sv := env.createStokvel(t, aliceStokvelParams()).Stokvel
	ctx := context.Background()

	outcome, err := env.grants.AcceptGrant(ctx, GrantCallback{Kind: domain.GrantUserContribution, UserID: alice.ID, StokvelID: sv.ID, Result: "grant_rejected"})
	if err != nil || outcome != GrantRejected {
		t.Fatalf("expected rejected, got %q, %v", outcome, err)
	}
	member, _ := env.repo.FindMember(ctx, sv.ID, alice.ID)
	if member.Status != domain.MemberPending || member.UserContributionGrant.Accepted {
		t.Fatalf("expected member untouched, got %+v", member)
	}

	if _, err := env.grants.AcceptGrant(ctx, GrantCallback{Kind: domain.GrantUserContribution, UserID: alice.ID, StokvelID: sv.ID}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without interact ref, got %v", err)
	}
	_, err = env.grants.AcceptGrant(ctx, GrantCallback{Kind: domain.GrantAdhoc, UserID: alice.ID, StokvelID: sv.ID, InteractRef: "ref"})
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found for an unrequested grant, got %v", err)
	}
}

func TestAcceptGrant_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, alicePhone, "Alice")
	sv := env.createStokvel(t, aliceStokvelParams()).Stokvel
	ctx := context.Background()
	cb := GrantCallback{Kind: domain.GrantUserContribution, UserID: alice.ID, StokvelID: sv.ID, InteractRef: "ref-1"}

	for i := 0; i < 2; i++ {
		if outcome, err := env.grants.AcceptGrant(ctx, cb); err != nil || outcome != GrantAccepted {
			t.Fatalf("call %d: expected accepted, got %q, %v", i, outcome, err)
		}
	}
	if msgs := env.notifier.containing("You are now an active member"); len(msgs) != 1 {
		t.Fatalf("expected a single activation message, got %d", len(msgs))
	}
}

func TestPayoutGrant_MaterializedByWorkerWhenAcceptFails(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, alicePhone, "Alice")
	sv := env.createStokvel(t, aliceStokvelParams()).Stokvel
	ctx := context.Background()

	env.gateway.fail(stokvelWallet)
	env.acceptAll(t, sv.ID, alice.ID)
	member, _ := env.repo.FindMember(ctx, sv.ID, alice.ID)
	if !member.StokvelInitialPayoutRequired || !member.StokvelPayoutGrant.Accepted {
		t.Fatalf("expected accepted grant still awaiting its initial payment, got %+v", member)
	}
	env.gateway.recover(stokvelWallet)

	env.deposit(t, sv.ID, alice.ID, 10000, date(2025, time.January, 1))
	env.clock.Set(date(2025, time.January, 1))
	result, err := env.engine.payouts.Run(ctx, sv.ID, date(2025, time.January, 1))
	if err != nil || result.Succeeded != 1 {
		t.Fatalf("expected payout to succeed, got %+v, %v", result, err)
	}

	member, _ = env.repo.FindMember(ctx, sv.ID, alice.ID)
	if member.StokvelInitialPayoutRequired {
		t.Fatal("expected initial payout flag to be cleared")
	}
	if len(env.gateway.payouts) != 1 || !strings.HasPrefix(env.gateway.payouts[0].PreviousToken, "initial-token") {
		t.Fatalf("expected the payout to use the materialized token, got %+v", env.gateway.payouts)
	}
	if !strings.HasPrefix(member.StokvelPayoutGrant.ContinueToken, "payout-token") {
		t.Fatalf("expected payout grant rotated again, got %+v", member.StokvelPayoutGrant)
	}
}

func TestSetupForMember_PayoutRequestUsesHalvedPeriods(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, alicePhone, "Alice")
	params := aliceStokvelParams()
	params.ContributionPeriod = domain.PeriodWeeks
	params.PayoutPeriod = domain.PeriodWeeks
	params.EndDate = date(2025, time.January, 29)
	env.createStokvel(t, params)

	if len(env.gateway.setups) != 2 {
		t.Fatalf("expected 2 grant setups, got %d", len(env.gateway.setups))
	}
	contribution, payout := env.gateway.setups[0], env.gateway.setups[1]
	if contribution.PaymentPeriods != 4 || contribution.PaymentPeriodLength != domain.PeriodWeeks.Code() {
		t.Fatalf("unexpected contribution request: %+v", contribution)
	}
	code, length := domain.PeriodWeeks.Halved()
	if payout.PaymentPeriods != 8 || payout.PaymentPeriodLength != code || payout.NumberOfPeriods != length || payout.Value != 1 {
		t.Fatalf("unexpected payout request: %+v", payout)
	}
}

func TestRetryGrantSetup(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, alicePhone, "Alice")
	env.gateway.failSetup = true
	sv := env.createStokvel(t, aliceStokvelParams()).Stokvel
	env.addUser(t, carolPhone, "Carol")
	env.gateway.failSetup = false
	ctx := context.Background()

	if _, err := env.membership.RetryGrantSetup(ctx, carolPhone, sv.ID, alice.ID); !errors.Is(err, domain.ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin for an unrelated user, got %v", err)
	}
	links, err := env.membership.RetryGrantSetup(ctx, alicePhone, sv.ID, alice.ID)
	if err != nil {
		t.Fatalf("RetryGrantSetup returned error: %v", err)
	}
	if links.ContributionURL == "" || links.PayoutURL == "" {
		t.Fatalf("expected both links, got %+v", links)
	}
}
