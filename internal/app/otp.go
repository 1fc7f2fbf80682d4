/**
 * @description
 * OTPService issues and verifies one-time codes for phone number verification.
 * Only the bcrypt hash of a code is stored; the plain code leaves the service
 * once, through the Notifier.
 *
 * @dependencies
 * - golang.org/x/crypto/bcrypt: code hashing.
 */
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

// OTPStatus is the outcome of a send or verify call.
type OTPStatus string

const (
	OTPSent    OTPStatus = "sent"
	OTPPending OTPStatus = "pending"
	OTPValid   OTPStatus = "valid"
	OTPInvalid OTPStatus = "invalid"
	OTPExpired OTPStatus = "expired"
)

const otpDigits = 6

// OTPService generates, stores and verifies one-time codes.
type OTPService struct {
	repo     store.Repository
	notifier Notifier
	clock    Clock
	ttl      time.Duration
	generate func() (string, error)
	logger   *slog.Logger
}

// NewOTPService creates an OTPService whose codes live for ttl.
func NewOTPService(repo store.Repository, notifier Notifier, clock Clock, ttl time.Duration, logger *slog.Logger) *OTPService {
	return &OTPService{
		repo:     repo,
		notifier: notifier,
		clock:    clock,
		ttl:      ttl,
		generate: randomCode,
		logger:   logger,
	}
}

// WithCodeGenerator replaces the random code source. Intended for tests.
func (s *OTPService) WithCodeGenerator(gen func() (string, error)) *OTPService {
	s.generate = gen
	return s
}

func randomCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// Send issues a new code unless an unexpired one is still outstanding.
func (s *OTPService) Send(ctx context.Context, rawPhone string) (OTPStatus, error) {
	phone, err := domain.CanonicalPhone(rawPhone)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()

	latest, err := s.repo.LatestUnverifiedOTP(ctx, phone)
	switch {
	case err == nil && !latest.Expired(now):
		return OTPPending, nil
	case err != nil && !errors.Is(err, domain.ErrOTPNotFound):
		return "", fmt.Errorf("failed to look up otp: %w", err)
	}

	code, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash otp: %w", err)
	}

	otp := &domain.OTP{
		PhoneNumber: phone,
		CodeHash:    string(hash),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.repo.InsertOTP(ctx, otp); err != nil {
		return "", fmt.Errorf("failed to store otp: %w", err)
	}

	s.notifier.Notify(ctx, phone, "Hi, please use this otp for verification: "+code)
	s.logger.Info("otp sent", "otp_id", otp.ID, "expires_at", otp.ExpiresAt)
	return OTPSent, nil
}

// Verify checks code against the latest outstanding OTP for the phone number.
func (s *OTPService) Verify(ctx context.Context, rawPhone, code string) (OTPStatus, error) {
	phone, err := domain.CanonicalPhone(rawPhone)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()

	otp, err := s.repo.LatestUnverifiedOTP(ctx, phone)
	if errors.Is(err, domain.ErrOTPNotFound) {
		return OTPInvalid, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up otp: %w", err)
	}
	if otp.Expired(now) {
		return OTPExpired, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(otp.CodeHash), []byte(code)) != nil {
		return OTPInvalid, nil
	}
	if err := s.repo.MarkOTPVerified(ctx, otp.ID, now); err != nil {
		return "", fmt.Errorf("failed to mark otp verified: %w", err)
	}
	return OTPValid, nil
}

// RecentlyVerified reports whether phone verified a code within window.
func (s *OTPService) RecentlyVerified(ctx context.Context, phone string, window time.Duration) (bool, error) {
	otp, err := s.repo.LatestVerifiedOTP(ctx, phone)
	if errors.Is(err, domain.ErrOTPNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if otp.VerifiedAt == nil {
		return false, nil
	}
	return s.clock.Now().Sub(*otp.VerifiedAt) <= window, nil
}
