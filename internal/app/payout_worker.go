package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
	"github.com/stokvel/stokvel-service/pkg/paymentclient"
)

// PayoutWorker pays every active member their principal plus interest share on a payout
// date. Members that already have a PAYOUT for the date are skipped.
type PayoutWorker struct {
	repo       store.Repository
	gateway    PaymentGateway
	grants     *GrantOrchestrator
	calculator *PayoutCalculator
	notifier   Notifier
	clock      Clock
	metrics    *Metrics
	logger     *slog.Logger
}

func NewPayoutWorker(repo store.Repository, gateway PaymentGateway, grants *GrantOrchestrator, calculator *PayoutCalculator, notifier Notifier, clock Clock, metrics *Metrics, logger *slog.Logger) *PayoutWorker {
	return &PayoutWorker{
		repo:       repo,
		gateway:    gateway,
		grants:     grants,
		calculator: calculator,
		notifier:   notifier,
		clock:      clock,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run settles the payout scheduled at scheduled.
func (w *PayoutWorker) Run(ctx context.Context, stokvelID string, scheduled time.Time) (WorkerResult, error) {
	var result WorkerResult
	members, err := w.repo.ListMemberDetails(ctx, stokvelID)
	if err != nil {
		return result, fmt.Errorf("failed to list members: %w", err)
	}

	for i := range members {
		m := &members[i]
		if m.Status != domain.MemberActive || !m.StokvelPayoutGrant.Accepted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		done, err := hasTransaction(ctx, w.repo, stokvelID, m.UserID, domain.TxPayout, scheduled)
		if err != nil {
			return result, fmt.Errorf("failed to check payout: %w", err)
		}
		if done {
			result.Skipped++
			continue
		}

		amount, err := w.calculator.Compute(ctx, stokvelID, m.UserID, scheduled)
		if err != nil {
			return result, err
		}
		if amount.Total() <= 0 {
			result.Skipped++
			continue
		}

		result.Attempted++
		if err := w.pay(ctx, m, amount, scheduled); err != nil {
			if domain.KindOf(err) != domain.KindUpstreamFailure && !errors.Is(err, domain.ErrGrantConflict) {
				return result, err
			}
			result.Failed++
			w.logger.Warn("payout failed", "stokvel_id", stokvelID, "user_id", m.UserID, "scheduled", scheduled, "error", err)
			continue
		}
		result.Succeeded++
	}

	w.logger.Info("payout run finished", "stokvel_id", stokvelID, "scheduled", scheduled,
		"succeeded", result.Succeeded, "failed", result.Failed, "skipped", result.Skipped)
	return result, nil
}

func (w *PayoutWorker) pay(ctx context.Context, m *domain.MemberDetails, amount PayoutAmount, scheduled time.Time) error {
	grant := m.StokvelPayoutGrant
	if m.StokvelInitialPayoutRequired {
		rotated, err := w.grants.materializePayoutGrant(ctx, &m.Member, grant, m.StokvelWallet)
		if err != nil {
			return err
		}
		grant = rotated
	}

	total := amount.Total()
	resp, err := w.gateway.ProcessRecurringPayoutWithInterest(ctx, paymentclient.RecurringPaymentRequest{
		SenderWalletAddress:    m.StokvelWallet,
		ReceivingWalletAddress: m.UserWallet,
		ManageURL:              grant.ContinueURI,
		PreviousToken:          grant.ContinueToken,
		PayoutValue:            &total,
	})
	w.metrics.observePayment("payout", err)
	if err != nil {
		return domain.Upstream("payout payment", err)
	}

	rotated := grant.Rotated(resp.Token, resp.ManageURL)
	if err := w.repo.RotateGrant(ctx, m.StokvelID, m.UserID, domain.GrantStokvelPayout, grant.ContinueToken, rotated); err != nil {
		if !errors.Is(err, domain.ErrGrantConflict) {
			return fmt.Errorf("failed to rotate payout grant: %w", err)
		}
		w.logger.Error("payout grant rotated concurrently", "stokvel_id", m.StokvelID, "user_id", m.UserID)
	}

	now := w.clock.Now()
	if _, err := w.repo.InsertTransaction(ctx, &domain.Transaction{
		ID:        uuid.NewString(),
		UserID:    m.UserID,
		StokvelID: m.StokvelID,
		Amount:    total,
		Type:      domain.TxPayout,
		TxDate:    scheduled,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}

	w.notifier.Notify(ctx, m.PhoneNumber, fmt.Sprintf("You have received a payout of %s from %s (contributions %s, interest %s).",
		domain.FormatRand(total), m.StokvelName, domain.FormatRand(amount.Principal), domain.FormatRand(amount.Interest)))
	return nil
}
