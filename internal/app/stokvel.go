package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

// CreateStokvelParams is the stokvel creation form. Amounts are minor units.
type CreateStokvelParams struct {
	Name                string
	WalletAddress       string
	MinContribution     int64
	MaxMembers          int
	StartDate           time.Time
	EndDate             time.Time
	ContributionPeriod  domain.Period
	PayoutPeriod        domain.Period
	CreatorContribution int64
}

// Validate checks the form and fills the creator's contribution with the minimum when unset.
func (p *CreateStokvelParams) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return domain.Validation("Please provide a stokvel name.")
	}
	if p.MaxMembers < 1 {
		return domain.ErrMaxMembersNotPositive
	}
	if p.MinContribution < 0 {
		return domain.Validation("The minimum contribution cannot be negative.")
	}
	if !p.EndDate.After(p.StartDate) {
		return domain.ErrInvalidDates
	}
	if !p.ContributionPeriod.Valid() || !p.PayoutPeriod.Valid() {
		return domain.ErrInvalidPeriod
	}
	if p.PayoutPeriod.Approx() < p.ContributionPeriod.Approx() {
		return domain.ErrPayoutShorterPeriod
	}
	if p.CreatorContribution == 0 {
		p.CreatorContribution = p.MinContribution
	}
	if p.CreatorContribution < p.MinContribution {
		return domain.ErrContributionTooLow
	}
	return nil
}

// CreateStokvelResult is a new stokvel and the creator's grant links. Links is nil when
// grant setup failed; the stokvel itself is committed either way.
type CreateStokvelResult struct {
	Stokvel *domain.Stokvel `json:"stokvel"`
	Links   *GrantLinks     `json:"grant_links,omitempty"`
}

// StokvelService owns stokvel creation, configuration and read models.
type StokvelService struct {
	repo       store.Repository
	grants     *GrantOrchestrator
	calculator *PayoutCalculator
	clock      Clock
	logger     *slog.Logger
}

func NewStokvelService(repo store.Repository, grants *GrantOrchestrator, calculator *PayoutCalculator, clock Clock, logger *slog.Logger) *StokvelService {
	return &StokvelService{
		repo:       repo,
		grants:     grants,
		calculator: calculator,
		clock:      clock,
		logger:     logger,
	}
}

// Create inserts a stokvel with its creator as admin and pending member, creates both
// schedules and requests the creator's grants.
func (s *StokvelService) Create(ctx context.Context, creatorPhone string, params CreateStokvelParams) (*CreateStokvelResult, error) {
	creator, err := lookupUser(ctx, s.repo, creatorPhone)
	if err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	wallet, err := normalizeWallet(params.WalletAddress)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sv := domain.Stokvel{
		ID:                 uuid.NewString(),
		Name:               params.Name,
		WalletAddress:      wallet,
		MinContribution:    params.MinContribution,
		MaxMembers:         params.MaxMembers,
		TotalMembers:       1,
		StartDate:          params.StartDate.UTC(),
		EndDate:            params.EndDate.UTC(),
		ContributionPeriod: params.ContributionPeriod,
		PayoutPeriod:       params.PayoutPeriod,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.CreateStokvel(ctx, store.CreateStokvelParams{
		Stokvel:             sv,
		CreatorID:           creator.ID,
		CreatorContribution: params.CreatorContribution,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("stokvel created", "stokvel_id", sv.ID, "creator_id", creator.ID)

	result := &CreateStokvelResult{Stokvel: &sv}
	links, err := s.grants.SetupForMember(ctx, sv.ID, creator.ID)
	if err != nil {
		s.logger.Error("grant setup failed for stokvel creator", "stokvel_id", sv.ID, "user_id", creator.ID, "error", err)
		return result, nil
	}
	result.Links = links
	return result, nil
}

// Summary renders the stokvel summary reply.
func (s *StokvelService) Summary(ctx context.Context, phone, stokvelID string) (string, error) {
	user, err := lookupUser(ctx, s.repo, phone)
	if err != nil {
		return "", err
	}
	summary, err := s.repo.GetStokvelSummary(ctx, stokvelID, user.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Summary of %s:\nTotal deposits: %s\nYour total payouts: %s\nActive members: %d",
		summary.StokvelName, domain.FormatRand(summary.TotalDeposits), domain.FormatRand(summary.UserTotalPayouts), summary.ActiveMembers), nil
}

// Constitution renders the stokvel's rules.
func (s *StokvelService) Constitution(ctx context.Context, stokvelID string) (string, error) {
	sv, err := s.repo.FindStokvelByID(ctx, stokvelID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Constitution of %s:\nMinimum contribution: %s\nMaximum number of contributors: %d\nCreated on: %s\n"+
		"Contribution period: %s\nPayout period: %s\nStart date: %s\nEnd date: %s",
		sv.Name, domain.FormatRand(sv.MinContribution), sv.MaxMembers, sv.CreatedAt.Format("2006-01-02"),
		sv.ContributionPeriod, sv.PayoutPeriod, sv.StartDate.Format("2006-01-02"), sv.EndDate.Format("2006-01-02")), nil
}

// UserTotalInterest renders the member's share of all interest the stokvel has earned.
func (s *StokvelService) UserTotalInterest(ctx context.Context, phone, stokvelID string) (string, error) {
	user, err := lookupUser(ctx, s.repo, phone)
	if err != nil {
		return "", err
	}
	sv, err := s.repo.FindStokvelByID(ctx, stokvelID)
	if err != nil {
		return "", err
	}
	if _, err := s.repo.FindMember(ctx, stokvelID, user.ID); err != nil {
		return "", err
	}
	share, err := s.calculator.InterestShare(ctx, stokvelID, user.ID, s.clock.Now())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Your total interest earned in %s is %s.", sv.Name, domain.FormatRand(share)), nil
}

// StokvelTotalInterest renders the interest the stokvel has earned overall.
func (s *StokvelService) StokvelTotalInterest(ctx context.Context, stokvelID string) (string, error) {
	sv, err := s.repo.FindStokvelByID(ctx, stokvelID)
	if err != nil {
		return "", err
	}
	entries, err := s.repo.ListInterest(ctx, stokvelID, time.Time{}, s.clock.Now())
	if err != nil {
		return "", err
	}
	var total int64
	for _, e := range entries {
		total += e.InterestValue
	}
	return fmt.Sprintf("Total interest earned by %s is %s.", sv.Name, domain.FormatRand(total)), nil
}

// Rename changes the stokvel's name. Admin only.
func (s *StokvelService) Rename(ctx context.Context, actorPhone, stokvelID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.Validation("Please provide a stokvel name.")
	}
	if _, err := requireAdmin(ctx, s.repo, actorPhone, stokvelID); err != nil {
		return "", err
	}
	if err := s.repo.RenameStokvel(ctx, stokvelID, name); err != nil {
		return "", err
	}
	return "The stokvel name has been changed to " + name + ".", nil
}

// ChangeMaxMembers changes the stokvel's capacity. Admin only; never below the current membership.
func (s *StokvelService) ChangeMaxMembers(ctx context.Context, actorPhone, stokvelID string, maxMembers int) (string, error) {
	if maxMembers < 1 {
		return "", domain.ErrMaxMembersNotPositive
	}
	if _, err := requireAdmin(ctx, s.repo, actorPhone, stokvelID); err != nil {
		return "", err
	}
	if err := s.repo.UpdateStokvelMaxMembers(ctx, stokvelID, maxMembers); err != nil {
		return "", err
	}
	return fmt.Sprintf("The maximum number of members has been changed to %d.", maxMembers), nil
}

func lookupUser(ctx context.Context, repo store.Repository, rawPhone string) (*domain.User, error) {
	phone, err := domain.CanonicalPhone(rawPhone)
	if err != nil {
		return nil, err
	}
	return repo.FindUserByPhone(ctx, phone)
}

// requireAdmin resolves the actor and checks they administer stokvelID.
func requireAdmin(ctx context.Context, repo store.Repository, actorPhone, stokvelID string) (*domain.User, error) {
	actor, err := lookupUser(ctx, repo, actorPhone)
	if err != nil {
		return nil, err
	}
	ok, err := repo.IsAdmin(ctx, stokvelID, actor.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotAdmin
	}
	return actor, nil
}
