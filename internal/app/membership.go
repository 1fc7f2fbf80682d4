/**
 * @description
 * MembershipService handles join applications, admin designation, leaving a
 * stokvel and member contribution changes. Capacity and uniqueness invariants are
 * enforced by the repository inside a single transaction; this layer adds
 * authorization, grant setup and notifications.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

// ApproveResult is an approved membership and the member's grant links. Links is nil
// when grant setup failed; the approval itself is committed either way.
type ApproveResult struct {
	Member *domain.Member `json:"member"`
	Links  *GrantLinks    `json:"grant_links,omitempty"`
}

type MembershipService struct {
	repo             store.Repository
	grants           *GrantOrchestrator
	calculator       *PayoutCalculator
	notifier         Notifier
	clock            Clock
	portalBaseURL    string
	systemAgentPhone string
	logger           *slog.Logger
}

func NewMembershipService(repo store.Repository, grants *GrantOrchestrator, calculator *PayoutCalculator, notifier Notifier, clock Clock, portalBaseURL, systemAgentPhone string, logger *slog.Logger) *MembershipService {
	return &MembershipService{
		repo:             repo,
		grants:           grants,
		calculator:       calculator,
		notifier:         notifier,
		clock:            clock,
		portalBaseURL:    strings.TrimSuffix(portalBaseURL, "/"),
		systemAgentPhone: systemAgentPhone,
		logger:           logger,
	}
}

// PendingApplicationsURL is the admin page listing a stokvel's open applications.
func (s *MembershipService) PendingApplicationsURL(stokvelID string) string {
	return fmt.Sprintf("%s/stokvels/%s/applications", s.portalBaseURL, stokvelID)
}

// SubmitApplication records a request by the user at phone to join stokvelName.
func (s *MembershipService) SubmitApplication(ctx context.Context, phone, stokvelName string, proposedContribution int64) (*domain.Application, error) {
	user, err := lookupUser(ctx, s.repo, phone)
	if err != nil {
		return nil, err
	}
	sv, err := s.repo.FindStokvelByName(ctx, strings.TrimSpace(stokvelName))
	if err != nil {
		return nil, err
	}

	app := &domain.Application{
		ID:                   uuid.NewString(),
		StokvelID:            sv.ID,
		UserID:               user.ID,
		ProposedContribution: proposedContribution,
		Status:               domain.ApplicationSubmitted,
		CreatedAt:            s.clock.Now(),
	}
	if err := s.repo.SubmitApplication(ctx, app); err != nil {
		return nil, err
	}
	s.logger.Info("application submitted", "application_id", app.ID, "stokvel_id", sv.ID, "user_id", user.ID)

	admins, err := s.repo.ListAdmins(ctx, sv.ID)
	if err != nil {
		s.logger.Error("failed to list admins for application notification", "stokvel_id", sv.ID, "error", err)
		return app, nil
	}
	msg := fmt.Sprintf("%s %s (%s) has applied to join %s with a contribution of %s. Review pending applications: %s",
		user.Name, user.Surname, user.PhoneNumber, sv.Name, domain.FormatRand(proposedContribution), s.PendingApplicationsURL(sv.ID))
	for _, admin := range admins {
		s.notifier.Notify(ctx, admin.PhoneNumber, msg)
	}
	return app, nil
}

// ApproveApplication admits the applicant as a pending member and requests their grants.
func (s *MembershipService) ApproveApplication(ctx context.Context, approverPhone, applicationID string) (*ApproveResult, error) {
	app, err := s.repo.FindApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if _, err := requireAdmin(ctx, s.repo, approverPhone, app.StokvelID); err != nil {
		return nil, err
	}

	member, err := s.repo.ApproveApplication(ctx, applicationID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("application approved", "application_id", applicationID, "stokvel_id", app.StokvelID, "user_id", app.UserID)

	applicant, err := s.repo.FindUserByID(ctx, app.UserID)
	if err == nil {
		if sv, svErr := s.repo.FindStokvelByID(ctx, app.StokvelID); svErr == nil {
			s.notifier.Notify(ctx, applicant.PhoneNumber, "Your application to join "+sv.Name+" has been approved.")
		}
	}

	result := &ApproveResult{Member: member}
	links, err := s.grants.SetupForMember(ctx, app.StokvelID, app.UserID)
	if err != nil {
		s.logger.Error("grant setup failed after approval", "stokvel_id", app.StokvelID, "user_id", app.UserID, "error", err)
		return result, nil
	}
	result.Links = links
	return result, nil
}

// DeclineApplication closes an application without admitting the applicant.
func (s *MembershipService) DeclineApplication(ctx context.Context, approverPhone, applicationID string) (*domain.Application, error) {
	app, err := s.repo.FindApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if _, err := requireAdmin(ctx, s.repo, approverPhone, app.StokvelID); err != nil {
		return nil, err
	}
	declined, err := s.repo.DeclineApplication(ctx, applicationID, s.clock.Now())
	if err != nil {
		return nil, err
	}

	if applicant, err := s.repo.FindUserByID(ctx, app.UserID); err == nil {
		if sv, svErr := s.repo.FindStokvelByID(ctx, app.StokvelID); svErr == nil {
			s.notifier.Notify(ctx, applicant.PhoneNumber, "Your application to join "+sv.Name+" has been declined.")
		}
	}
	return declined, nil
}

// ListPendingApplications returns open applications to an admin of the stokvel.
func (s *MembershipService) ListPendingApplications(ctx context.Context, actorPhone, stokvelID string) ([]domain.ApplicationView, error) {
	if _, err := requireAdmin(ctx, s.repo, actorPhone, stokvelID); err != nil {
		return nil, err
	}
	return s.repo.ListPendingApplications(ctx, stokvelID)
}

// RetryGrantSetup re-requests a member's grants. The actor must be the member or an admin.
func (s *MembershipService) RetryGrantSetup(ctx context.Context, actorPhone, stokvelID, userID string) (*GrantLinks, error) {
	actor, err := lookupUser(ctx, s.repo, actorPhone)
	if err != nil {
		return nil, err
	}
	if actor.ID != userID {
		ok, err := s.repo.IsAdmin(ctx, stokvelID, actor.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrNotAdmin
		}
	}
	member, err := s.repo.FindMember(ctx, stokvelID, userID)
	if err != nil {
		return nil, err
	}
	if member.Status == domain.MemberLeft {
		return nil, domain.ErrMemberNotActive
	}
	return s.grants.SetupForMember(ctx, stokvelID, userID)
}

// PromoteAdmin makes a current member an admin of the stokvel.
func (s *MembershipService) PromoteAdmin(ctx context.Context, actorPhone, stokvelID, targetPhone string) error {
	if _, err := requireAdmin(ctx, s.repo, actorPhone, stokvelID); err != nil {
		return err
	}
	target, err := lookupUser(ctx, s.repo, targetPhone)
	if err != nil {
		return err
	}
	member, err := s.repo.FindMember(ctx, stokvelID, target.ID)
	if err != nil {
		return err
	}
	if member.Status == domain.MemberLeft {
		return domain.ErrMemberNotActive
	}
	if err := s.repo.AddAdmin(ctx, stokvelID, target.ID); err != nil {
		return err
	}

	if sv, err := s.repo.FindStokvelByID(ctx, stokvelID); err == nil {
		s.notifier.Notify(ctx, target.PhoneNumber, "You are now an admin of "+sv.Name+".")
	}
	return nil
}

// LeaveStokvel ends the membership of the user at phone. Any deposits made since their
// last payout are returned through an ad-hoc grant that the system agent authorizes.
func (s *MembershipService) LeaveStokvel(ctx context.Context, phone, stokvelID string) (string, error) {
	user, err := lookupUser(ctx, s.repo, phone)
	if err != nil {
		return "", err
	}
	sv, err := s.repo.FindStokvelByID(ctx, stokvelID)
	if err != nil {
		return "", err
	}
	member, err := s.repo.FindMember(ctx, stokvelID, user.ID)
	if err != nil {
		return "", err
	}
	if member.Status == domain.MemberLeft {
		return "", domain.ErrMemberNotActive
	}

	owed, err := s.calculator.Principal(ctx, stokvelID, user.ID, s.clock.Now())
	if err != nil {
		return "", err
	}
	if err := s.repo.LeaveStokvel(ctx, stokvelID, user.ID, owed); err != nil {
		return "", err
	}
	s.logger.Info("member left stokvel", "stokvel_id", stokvelID, "user_id", user.ID, "owed", owed)

	if owed <= 0 {
		return "You have successfully left " + sv.Name + ".", nil
	}

	link, err := s.grants.SetupAdhoc(ctx, stokvelID, user.ID, owed)
	if err != nil {
		s.logger.Error("adhoc payout setup failed", "stokvel_id", stokvelID, "user_id", user.ID, "error", err)
	} else if s.systemAgentPhone != "" {
		s.notifier.Notify(ctx, s.systemAgentPhone, "SYSTEM REQUEST: A user is requesting a payout "+link)
	} else {
		s.logger.Warn("no system agent configured for adhoc payout", "stokvel_id", stokvelID, "user_id", user.ID)
	}
	return fmt.Sprintf("You have successfully left %s. Your balance of %s will be paid out to your wallet.",
		sv.Name, domain.FormatRand(owed)), nil
}

// UpdateContributionAmount changes the member's contribution for future collections.
func (s *MembershipService) UpdateContributionAmount(ctx context.Context, phone, stokvelID string, amount int64) (string, error) {
	user, err := lookupUser(ctx, s.repo, phone)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateMemberContributionAmount(ctx, stokvelID, user.ID, amount); err != nil {
		return "", err
	}
	return "Your contribution amount has been updated to " + domain.FormatRand(amount) + ".", nil
}

// Memberships lists the stokvels of the user at phone.
func (s *MembershipService) Memberships(ctx context.Context, phone string) ([]domain.Membership, error) {
	user, err := lookupUser(ctx, s.repo, phone)
	if err != nil {
		return nil, err
	}
	return s.repo.ListMemberships(ctx, user.ID)
}

// IsAnyAdmin reports whether the user at phone administers any stokvel.
func (s *MembershipService) IsAnyAdmin(ctx context.Context, phone string) (bool, error) {
	user, err := lookupUser(ctx, s.repo, phone)
	if errors.Is(err, domain.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.repo.IsAnyStokvelAdmin(ctx, user.ID)
}

// IsAdmin reports whether the user at phone administers stokvelID.
func (s *MembershipService) IsAdmin(ctx context.Context, phone, stokvelID string) (bool, error) {
	user, err := lookupUser(ctx, s.repo, phone)
	if err != nil {
		return false, err
	}
	return s.repo.IsAdmin(ctx, stokvelID, user.ID)
}
