package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

// registrationWindow is how long a verified OTP authorizes registration.
const registrationWindow = 30 * time.Minute

// RegisterParams is the onboarding form.
type RegisterParams struct {
	PhoneNumber   string `json:"phone_number"`
	Name          string `json:"name"`
	Surname       string `json:"surname"`
	WalletAddress string `json:"wallet_address"`
	MomoWallet    string `json:"momo_wallet,omitempty"`
}

// UserService owns onboarding and profile edits.
type UserService struct {
	repo   store.Repository
	otp    *OTPService
	clock  Clock
	logger *slog.Logger
}

func NewUserService(repo store.Repository, otp *OTPService, clock Clock, logger *slog.Logger) *UserService {
	return &UserService{repo: repo, otp: otp, clock: clock, logger: logger}
}

// Register creates a user once their phone number has been verified.
func (s *UserService) Register(ctx context.Context, params RegisterParams) (*domain.User, error) {
	phone, err := domain.CanonicalPhone(params.PhoneNumber)
	if err != nil {
		return nil, err
	}
	verified, err := s.otp.RecentlyVerified(ctx, phone, registrationWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to check otp verification: %w", err)
	}
	if !verified {
		return nil, domain.ErrOTPNotVerified
	}

	wallet, err := normalizeWallet(params.WalletAddress)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(params.Name)
	surname := strings.TrimSpace(params.Surname)
	if name == "" || surname == "" {
		return nil, domain.Validation("Please provide your name and surname.")
	}

	now := s.clock.Now()
	user := &domain.User{
		ID:            uuid.NewString(),
		PhoneNumber:   phone,
		Name:          name,
		Surname:       surname,
		WalletAddress: wallet,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if momo := strings.TrimSpace(params.MomoWallet); momo != "" {
		user.MomoWallet = &momo
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// normalizeWallet accepts "$ilp.example/alice" style payment pointers and https URLs.
func normalizeWallet(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return "", domain.ErrInvalidWalletAddress
	}
	if strings.HasPrefix(s, "$") {
		s = "https://" + strings.TrimPrefix(s, "$")
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", domain.ErrInvalidWalletAddress
	}
	return s, nil
}

// Lookup resolves a phone number to a user.
func (s *UserService) Lookup(ctx context.Context, rawPhone string) (*domain.User, error) {
	phone, err := domain.CanonicalPhone(rawPhone)
	if err != nil {
		return nil, err
	}
	return s.repo.FindUserByPhone(ctx, phone)
}

// IsRegistered reports whether a phone number belongs to a user.
func (s *UserService) IsRegistered(ctx context.Context, rawPhone string) (bool, error) {
	_, err := s.Lookup(ctx, rawPhone)
	if errors.Is(err, domain.ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Profile renders the account details reply.
func (s *UserService) Profile(ctx context.Context, rawPhone string) (string, error) {
	user, err := s.Lookup(ctx, rawPhone)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Account details:\nName: %s\nSurname: %s\nPhone number: %s\nWallet address: %s",
		user.Name, user.Surname, user.PhoneNumber, user.WalletAddress), nil
}

// UpdateName changes the user's first name.
func (s *UserService) UpdateName(ctx context.Context, rawPhone, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.Validation("The name cannot be empty.")
	}
	user, err := s.Lookup(ctx, rawPhone)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateUserName(ctx, user.ID, name); err != nil {
		return "", err
	}
	return "Your name has been updated to " + name + ".", nil
}

// UpdateSurname changes the user's surname.
func (s *UserService) UpdateSurname(ctx context.Context, rawPhone, surname string) (string, error) {
	surname = strings.TrimSpace(surname)
	if surname == "" {
		return "", domain.Validation("The surname cannot be empty.")
	}
	user, err := s.Lookup(ctx, rawPhone)
	if err != nil {
		return "", err
	}
	if err := s.repo.UpdateUserSurname(ctx, user.ID, surname); err != nil {
		return "", err
	}
	return "Your surname has been updated to " + surname + ".", nil
}
