/**
 * @description
 * ContributionWorker collects one scheduled contribution from every active member
 * of a stokvel. It is idempotent over (stokvel, scheduled date): members that
 * already have a DEPOSIT for the date are skipped.
 */
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

// WorkerResult summarizes one worker run over a stokvel's members.
type WorkerResult struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
}

// AllFailed reports whether every attempted payment failed.
func (r WorkerResult) AllFailed() bool {
	return r.Attempted > 0 && r.Succeeded == 0
}

type ContributionWorker struct {
	repo     store.Repository
	gateway  PaymentGateway
	notifier Notifier
	clock    Clock
	metrics  *Metrics
	logger   *slog.Logger
}

func NewContributionWorker(repo store.Repository, gateway PaymentGateway, notifier Notifier, clock Clock, metrics *Metrics, logger *slog.Logger) *ContributionWorker {
	return &ContributionWorker{
		repo:     repo,
		gateway:  gateway,
		notifier: notifier,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

// hasTransaction reports whether a record of txType exists for the member at exactly date.
func hasTransaction(ctx context.Context, repo store.Repository, stokvelID, userID string, txType domain.TxType, date time.Time) (bool, error) {
	after := date.Add(-time.Nanosecond)
	existing, err := repo.ListTransactions(ctx, store.TransactionFilter{
		StokvelID: stokvelID,
		UserID:    userID,
		Type:      txType,
		After:     &after,
		Through:   &date,
	})
	if err != nil {
		return false, err
	}
	return len(existing) > 0, nil
}

// Run collects the contribution scheduled at scheduled. A returned error means the ledger
// could not be read or written; per-member payment failures are counted, not returned.
func (w *ContributionWorker) Run(ctx context.Context, stokvelID string, scheduled time.Time) (WorkerResult, error) {
	var result WorkerResult
	members, err := w.repo.ListMemberDetails(ctx, stokvelID)
	if err != nil {
		return result, fmt.Errorf("failed to list members: %w", err)
	}

	for i := range members {
		m := &members[i]
		if m.Status != domain.MemberActive || !m.UserContributionGrant.Accepted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		done, err := hasTransaction(ctx, w.repo, stokvelID, m.UserID, domain.TxDeposit, scheduled)
		if err != nil {
			return result, fmt.Errorf("failed to check deposit: %w", err)
		}
		if done {
			result.Skipped++
			continue
		}

		result.Attempted++
		if err := w.collect(ctx, m, scheduled); err != nil {
			if domain.KindOf(err) != domain.KindUpstreamFailure {
				return result, err
			}
			result.Failed++
			w.logger.Warn("contribution failed", "stokvel_id", stokvelID, "user_id", m.UserID, "scheduled", scheduled, "error", err)
			continue
		}
		result.Succeeded++
	}

	w.logger.Info("contribution run finished", "stokvel_id", stokvelID, "scheduled", scheduled,
		"succeeded", result.Succeeded, "failed", result.Failed, "skipped", result.Skipped)
	return result, nil
}

func (w *ContributionWorker) collect(ctx context.Context, m *domain.MemberDetails, scheduled time.Time) error {
	grant := m.UserContributionGrant

	var (
		resp *paymentclient.PaymentResponse
		err  error
	)
	if grant.QuoteID != "" {
		resp, err = w.gateway.CreateInitialPayment(ctx, paymentclient.InitialPaymentRequest{
			QuoteID:             grant.QuoteID,
			ContinueURI:         grant.ContinueURI,
			ContinueAccessToken: grant.ContinueToken,
			WalletAddress:       m.UserWallet,
			InteractRef:         grant.InteractionRef,
		})
		w.metrics.observePayment("initial_contribution", err)
	} else {
		amount := m.ContributionAmount
		resp, err = w.gateway.ProcessRecurringPayment(ctx, paymentclient.RecurringPaymentRequest{
			SenderWalletAddress:    m.UserWallet,
			ReceivingWalletAddress: m.StokvelWallet,
			ManageURL:              grant.ContinueURI,
			PreviousToken:          grant.ContinueToken,
			ContributionValue:      &amount,
		})
		w.metrics.observePayment("contribution", err)
	}
	if err != nil {
		return domain.Upstream("contribution payment", err)
	}

	rotated := grant.Rotated(resp.Token, resp.ManageURL)
	rotated.QuoteID = ""
	if err := w.repo.RotateGrant(ctx, m.StokvelID, m.UserID, domain.GrantUserContribution, grant.ContinueToken, rotated); err != nil {
		if !errors.Is(err, domain.ErrGrantConflict) {
			return fmt.Errorf("failed to rotate contribution grant: %w", err)
		}
		w.logger.Error("contribution grant rotated concurrently", "stokvel_id", m.StokvelID, "user_id", m.UserID)
	}

	now := w.clock.Now()
	if _, err := w.repo.InsertTransaction(ctx, &domain.Transaction{
		ID:        uuid.NewString(),
		UserID:    m.UserID,
		StokvelID: m.StokvelID,
		Amount:    m.ContributionAmount,
		Type:      domain.TxDeposit,
		TxDate:    scheduled,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to record deposit: %w", err)
	}

	w.notifier.Notify(ctx, m.PhoneNumber, fmt.Sprintf("Your contribution of %s to %s has been received.",
		domain.FormatRand(m.ContributionAmount), m.StokvelName))
	return nil
}
