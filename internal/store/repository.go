/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the stokvel service. Every method is a single
 * atomic unit: composite operations (creating a stokvel, approving an application,
 * leaving a stokvel) run inside one database transaction in the Postgres
 * implementation and under one lock in the in-memory implementation.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models and error kinds.
 */

package store

import (
	"context"
	"time"

	"github.com/stokvel/stokvel-service/internal/domain"
)

// CreateStokvelParams carries everything inserted atomically when a stokvel is created.
type CreateStokvelParams struct {
	Stokvel             domain.Stokvel
	CreatorID           string
	CreatorContribution int64
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User methods
	CreateUser(ctx context.Context, user *domain.User) error
	FindUserByPhone(ctx context.Context, phone string) (*domain.User, error)
	FindUserByID(ctx context.Context, userID string) (*domain.User, error)
	UpdateUserName(ctx context.Context, userID, name string) error
	UpdateUserSurname(ctx context.Context, userID, surname string) error
	IsAnyStokvelAdmin(ctx context.Context, userID string) (bool, error)

	// Stokvel methods
	CreateStokvel(ctx context.Context, params CreateStokvelParams) error
	FindStokvelByID(ctx context.Context, stokvelID string) (*domain.Stokvel, error)
	FindStokvelByName(ctx context.Context, name string) (*domain.Stokvel, error)
	ListStokvels(ctx context.Context) ([]domain.Stokvel, error)
	RenameStokvel(ctx context.Context, stokvelID, name string) error
	UpdateStokvelMaxMembers(ctx context.Context, stokvelID string, maxMembers int) error
	AddAdmin(ctx context.Context, stokvelID, userID string) error
	IsAdmin(ctx context.Context, stokvelID, userID string) (bool, error)
	ListAdmins(ctx context.Context, stokvelID string) ([]domain.User, error)
	ListMemberships(ctx context.Context, userID string) ([]domain.Membership, error)
	GetStokvelSummary(ctx context.Context, stokvelID, userID string) (*domain.StokvelSummary, error)

	// Member methods
	FindMember(ctx context.Context, stokvelID, userID string) (*domain.Member, error)
	FindMemberDetails(ctx context.Context, stokvelID, userID string) (*domain.MemberDetails, error)
	ListMemberDetails(ctx context.Context, stokvelID string) ([]domain.MemberDetails, error)
	SaveGrant(ctx context.Context, stokvelID, userID string, kind domain.GrantKind, grant domain.Grant) error
	// RotateGrant replaces a grant bundle only if its current token still equals expectedToken.
	RotateGrant(ctx context.Context, stokvelID, userID string, kind domain.GrantKind, expectedToken string, next domain.Grant) error
	SetMemberStatus(ctx context.Context, stokvelID, userID string, status domain.MemberStatus) error
	SetInitialPayoutRequired(ctx context.Context, stokvelID, userID string, required bool) error
	UpdateMemberContributionAmount(ctx context.Context, stokvelID, userID string, amount int64) error
	LeaveStokvel(ctx context.Context, stokvelID, userID string, adhocPayoutAmount int64) error

	// Application methods
	SubmitApplication(ctx context.Context, app *domain.Application) error
	FindApplication(ctx context.Context, applicationID string) (*domain.Application, error)
	ListPendingApplications(ctx context.Context, stokvelID string) ([]domain.ApplicationView, error)
	ApproveApplication(ctx context.Context, applicationID string, at time.Time) (*domain.Member, error)
	DeclineApplication(ctx context.Context, applicationID string, at time.Time) (*domain.Application, error)

	// Transaction methods
	// InsertTransaction reports false when a record for (stokvel, user, type, date) already exists.
	InsertTransaction(ctx context.Context, tx *domain.Transaction) (bool, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)
	LastTransactionDate(ctx context.Context, stokvelID, userID string, txType domain.TxType) (*time.Time, error)

	// Interest methods
	InsertInterest(ctx context.Context, entry domain.InterestEntry) (bool, error)
	ListInterest(ctx context.Context, stokvelID string, after, through time.Time) ([]domain.InterestEntry, error)

	// Schedule methods
	ListDueSchedules(ctx context.Context, kind domain.ScheduleKind, now time.Time) ([]domain.Schedule, error)
	FindSchedule(ctx context.Context, kind domain.ScheduleKind, stokvelID string) (*domain.Schedule, error)
	// AdvanceSchedule is a compare-and-set on next_date.
	AdvanceSchedule(ctx context.Context, kind domain.ScheduleKind, stokvelID string, expectedNext time.Time, next domain.Schedule) error

	// OTP methods
	InsertOTP(ctx context.Context, otp *domain.OTP) error
	LatestUnverifiedOTP(ctx context.Context, phone string) (*domain.OTP, error)
	LatestVerifiedOTP(ctx context.Context, phone string) (*domain.OTP, error)
	MarkOTPVerified(ctx context.Context, otpID int64, at time.Time) error

	// Conversation state methods
	GetConversationState(ctx context.Context, phone string) (*domain.ConversationState, error)
	PushState(ctx context.Context, phone, tag string, at time.Time) error
	PopState(ctx context.Context, phone string, at time.Time) error
	ResetState(ctx context.Context, phone, tag string, at time.Time) error
	SetStokvelSelection(ctx context.Context, phone, stokvelID string, at time.Time) error

	// Outbox methods
	EnqueueOutboxMessage(ctx context.Context, exchange, routingKey string, payload interface{}) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// TransactionFilter narrows ListTransactions. Zero values mean "no constraint";
// After is exclusive and Through is inclusive.
type TransactionFilter struct {
	StokvelID string
	UserID    string
	Type      domain.TxType
	After     *time.Time
	Through   *time.Time
}

// Matches reports whether t satisfies the filter.
func (f TransactionFilter) Matches(t domain.Transaction) bool {
	if f.StokvelID != "" && t.StokvelID != f.StokvelID {
		return false
	}
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.After != nil && !t.TxDate.After(*f.After) {
		return false
	}
	if f.Through != nil && t.TxDate.After(*f.Through) {
		return false
	}
	return true
}
