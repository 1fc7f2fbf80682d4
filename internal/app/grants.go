/**
 * @description
 * GrantOrchestrator translates membership events into payment gateway grant
 * requests, persists the continuation material the gateway returns and
 * reconciles interactive grant acceptance callbacks.
 *
 * @notes
 * - Amounts cross the gateway boundary in minor units, unchanged.
 * - Continuation tokens are single-use. Every successful payment call replaces the
 *   grant bundle through a compare-and-set on the previous token.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
	"github.com/stokvel/stokvel-service/pkg/paymentclient"
)

// initialPayoutValue is the payment that materializes a payout grant.
const initialPayoutValue = 1

// GrantLinks are the interactive-grant URLs a member must visit.
type GrantLinks struct {
	ContributionURL string `json:"contribution_url"`
	PayoutURL       string `json:"payout_url"`
}

// GrantCallback is the query of an interactive grant redirect.
type GrantCallback struct {
	Kind        domain.GrantKind
	UserID      string
	StokvelID   string
	InteractRef string
	Result      string
}

// GrantOutcome is the terminal result of a callback.
type GrantOutcome string

const (
	GrantAccepted GrantOutcome = "accepted"
	GrantRejected GrantOutcome = "rejected"
)

const grantRejectedResult = "grant_rejected"

// GrantOrchestrator owns the grant lifecycle of every member.
type GrantOrchestrator struct {
	repo     store.Repository
	gateway  PaymentGateway
	notifier Notifier
	clock    Clock
	metrics  *Metrics
	logger   *slog.Logger
}

func NewGrantOrchestrator(repo store.Repository, gateway PaymentGateway, notifier Notifier, clock Clock, metrics *Metrics, logger *slog.Logger) *GrantOrchestrator {
	return &GrantOrchestrator{
		repo:     repo,
		gateway:  gateway,
		notifier: notifier,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

func grantFromSetup(resp *paymentclient.GrantSetupResponse) domain.Grant {
	return domain.Grant{
		ContinueURI:   resp.ContinueURI,
		ContinueToken: resp.ContinueToken.Value,
		QuoteID:       resp.QuoteID,
	}
}

// SetupForMember requests the recurring contribution and payout grants of a member
// and sends the authorization links to them.
func (g *GrantOrchestrator) SetupForMember(ctx context.Context, stokvelID, userID string) (*GrantLinks, error) {
	sv, err := g.repo.FindStokvelByID(ctx, stokvelID)
	if err != nil {
		return nil, err
	}
	member, err := g.repo.FindMemberDetails(ctx, stokvelID, userID)
	if err != nil {
		return nil, err
	}

	contributionPeriods, err := domain.CountPeriods(sv.ContributionPeriod, sv.StartDate, sv.EndDate)
	if err != nil {
		return nil, err
	}
	payoutPeriods, err := domain.CountPeriods(sv.PayoutPeriod, sv.StartDate, sv.EndDate)
	if err != nil {
		return nil, err
	}

	contribution, err := g.gateway.SetupContributionGrant(ctx, paymentclient.GrantSetupRequest{
		Value:                 member.ContributionAmount,
		StartDate:             domain.ISOZ(sv.StartDate),
		ReceiverWalletAddress: sv.WalletAddress,
		SenderWalletAddress:   member.UserWallet,
		PaymentPeriods:        contributionPeriods,
		PaymentPeriodLength:   sv.ContributionPeriod.Code(),
		LengthBetweenPeriods:  sv.ContributionPeriod.LengthBetween(),
		UserID:                userID,
		StokvelID:             stokvelID,
	})
	g.metrics.observeGrantSetup(string(domain.GrantUserContribution), err)
	if err != nil {
		return nil, domain.Upstream("setup contribution grant", err)
	}
	if err := g.repo.SaveGrant(ctx, stokvelID, userID, domain.GrantUserContribution, grantFromSetup(contribution)); err != nil {
		return nil, fmt.Errorf("failed to save contribution grant: %w", err)
	}

	halvedCode, halvedLength := sv.PayoutPeriod.Halved()
	payout, err := g.gateway.SetupPayoutGrant(ctx, paymentclient.GrantSetupRequest{
		Value:                 initialPayoutValue,
		StartDate:             domain.ISOZ(sv.StartDate),
		ReceiverWalletAddress: member.UserWallet,
		SenderWalletAddress:   sv.WalletAddress,
		PaymentPeriods:        payoutPeriods * 2,
		PaymentPeriodLength:   halvedCode,
		NumberOfPeriods:       halvedLength,
		UserID:                userID,
		StokvelID:             stokvelID,
	})
	g.metrics.observeGrantSetup(string(domain.GrantStokvelPayout), err)
	if err != nil {
		return nil, domain.Upstream("setup payout grant", err)
	}
	if err := g.repo.SaveGrant(ctx, stokvelID, userID, domain.GrantStokvelPayout, grantFromSetup(payout)); err != nil {
		return nil, fmt.Errorf("failed to save payout grant: %w", err)
	}
	if err := g.repo.SetInitialPayoutRequired(ctx, stokvelID, userID, true); err != nil {
		return nil, fmt.Errorf("failed to flag initial payout: %w", err)
	}

	links := &GrantLinks{
		ContributionURL: contribution.RedirectURL(),
		PayoutURL:       payout.RedirectURL(),
	}
	for _, link := range []string{links.ContributionURL, links.PayoutURL} {
		if link != "" {
			g.notifier.Notify(ctx, member.PhoneNumber, "Please Authorize the recurring grant using this link: "+link)
		}
	}
	g.logger.Info("grants requested", "stokvel_id", stokvelID, "user_id", userID,
		"contribution_periods", contributionPeriods, "payout_periods", payoutPeriods)
	return links, nil
}

// SetupAdhoc requests a one-off grant paying amount from the stokvel to the member
// and returns its authorization link.
func (g *GrantOrchestrator) SetupAdhoc(ctx context.Context, stokvelID, userID string, amount int64) (string, error) {
	member, err := g.repo.FindMemberDetails(ctx, stokvelID, userID)
	if err != nil {
		return "", err
	}
	resp, err := g.gateway.SetupAdhocGrant(ctx, paymentclient.AdhocSetupRequest{
		Value:                 amount,
		ReceiverWalletAddress: member.UserWallet,
		SenderWalletAddress:   member.StokvelWallet,
		UserID:                userID,
		StokvelID:             stokvelID,
	})
	g.metrics.observeGrantSetup(string(domain.GrantAdhoc), err)
	if err != nil {
		return "", domain.Upstream("setup adhoc grant", err)
	}
	if err := g.repo.SaveGrant(ctx, stokvelID, userID, domain.GrantAdhoc, grantFromSetup(resp)); err != nil {
		return "", fmt.Errorf("failed to save adhoc grant: %w", err)
	}
	return resp.RedirectURL(), nil
}

// AcceptGrant reconciles an interactive grant callback.
func (g *GrantOrchestrator) AcceptGrant(ctx context.Context, cb GrantCallback) (GrantOutcome, error) {
	if cb.Result == grantRejectedResult {
		g.logger.Info("grant rejected", "kind", cb.Kind, "stokvel_id", cb.StokvelID, "user_id", cb.UserID)
		return GrantRejected, nil
	}
	if cb.InteractRef == "" || cb.UserID == "" || cb.StokvelID == "" {
		return "", domain.ErrInvalidInput
	}

	member, err := g.repo.FindMemberDetails(ctx, cb.StokvelID, cb.UserID)
	if err != nil {
		return "", err
	}
	current := member.Grant(cb.Kind)
	if current.IsZero() {
		return "", domain.NotFound("No grant has been requested for this member.")
	}

	accepted := current
	accepted.Accepted = true
	accepted.InteractionRef = cb.InteractRef
	alreadyAccepted := current.Accepted && current.InteractionRef == cb.InteractRef
	if !alreadyAccepted {
		if err := g.repo.RotateGrant(ctx, cb.StokvelID, cb.UserID, cb.Kind, current.ContinueToken, accepted); err != nil {
			return "", err
		}
	}

	switch cb.Kind {
	case domain.GrantUserContribution:
		if member.Status == domain.MemberPending {
			if err := g.repo.SetMemberStatus(ctx, cb.StokvelID, cb.UserID, domain.MemberActive); err != nil {
				return "", err
			}
			g.notifier.Notify(ctx, member.PhoneNumber, "Your contribution grant has been accepted. You are now an active member of "+member.StokvelName+".")
		}
	case domain.GrantStokvelPayout:
		if !member.StokvelInitialPayoutRequired {
			break
		}
		if _, err := g.materializePayoutGrant(ctx, &member.Member, accepted, member.StokvelWallet); err != nil {
			// The flag stays set; the payout worker retries the initial payment.
			g.logger.Warn("initial payout payment failed", "stokvel_id", cb.StokvelID, "user_id", cb.UserID, "error", err)
		}
	case domain.GrantAdhoc:
		if alreadyAccepted {
			break
		}
		if err := g.settleAdhoc(ctx, member, accepted); err != nil {
			return "", err
		}
	default:
		return "", domain.ErrInvalidInput
	}

	g.logger.Info("grant accepted", "kind", cb.Kind, "stokvel_id", cb.StokvelID, "user_id", cb.UserID)
	return GrantAccepted, nil
}

// materializePayoutGrant makes the initial payment on an accepted payout grant, rotates
// the bundle and clears the member's initial-payout flag. It returns the rotated grant.
func (g *GrantOrchestrator) materializePayoutGrant(ctx context.Context, member *domain.Member, grant domain.Grant, stokvelWallet string) (domain.Grant, error) {
	resp, err := g.gateway.CreateInitialPayment(ctx, paymentclient.InitialPaymentRequest{
		QuoteID:             grant.QuoteID,
		ContinueURI:         grant.ContinueURI,
		ContinueAccessToken: grant.ContinueToken,
		WalletAddress:       stokvelWallet,
		InteractRef:         grant.InteractionRef,
	})
	g.metrics.observePayment("initial_payout", err)
	if err != nil {
		return grant, domain.Upstream("initial payout payment", err)
	}

	rotated := grant.Rotated(resp.Token, resp.ManageURL)
	rotated.QuoteID = ""
	if err := g.repo.RotateGrant(ctx, member.StokvelID, member.UserID, domain.GrantStokvelPayout, grant.ContinueToken, rotated); err != nil {
		return grant, err
	}
	if err := g.repo.SetInitialPayoutRequired(ctx, member.StokvelID, member.UserID, false); err != nil {
		return rotated, err
	}
	member.StokvelInitialPayoutRequired = false
	return rotated, nil
}

// settleAdhoc pays a departing member's balance through the accepted ad-hoc grant.
func (g *GrantOrchestrator) settleAdhoc(ctx context.Context, member *domain.MemberDetails, grant domain.Grant) error {
	resp, err := g.gateway.CreateInitialPayment(ctx, paymentclient.InitialPaymentRequest{
		QuoteID:             grant.QuoteID,
		ContinueURI:         grant.ContinueURI,
		ContinueAccessToken: grant.ContinueToken,
		WalletAddress:       member.StokvelWallet,
		InteractRef:         grant.InteractionRef,
	})
	g.metrics.observePayment("adhoc_payout", err)
	if err != nil {
		return domain.Upstream("adhoc payout payment", err)
	}

	rotated := grant.Rotated(resp.Token, resp.ManageURL)
	rotated.QuoteID = ""
	if err := g.repo.RotateGrant(ctx, member.StokvelID, member.UserID, domain.GrantAdhoc, grant.ContinueToken, rotated); err != nil && !errors.Is(err, domain.ErrGrantConflict) {
		return err
	}

	now := g.clock.Now()
	if _, err := g.repo.InsertTransaction(ctx, &domain.Transaction{
		ID:        uuid.NewString(),
		UserID:    member.UserID,
		StokvelID: member.StokvelID,
		Amount:    member.AdhocPayoutAmount,
		Type:      domain.TxPayout,
		TxDate:    now,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to record adhoc payout: %w", err)
	}

	g.notifier.Notify(ctx, member.PhoneNumber, fmt.Sprintf("Your payment of %s was successful. You have successfully left Stokvel %s",
		domain.FormatRand(member.AdhocPayoutAmount), member.StokvelName))
	return nil
}
