/**
 * @description
 * Domain models for the stokvel service. All monetary amounts are int64 minor
 * units (cents) and all timestamps are UTC.
 */
package domain

import "time"

// User is a registered participant, keyed by canonical phone number.
type User struct {
	ID            string    `json:"user_id"`
	PhoneNumber   string    `json:"phone_number"`
	Name          string    `json:"name"`
	Surname       string    `json:"surname"`
	WalletAddress string    `json:"wallet_address"`
	MomoWallet    *string   `json:"momo_wallet,omitempty"`
	KYCVerified   bool      `json:"kyc_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Stokvel is a savings group with a fixed contribution and payout cadence.
type Stokvel struct {
	ID                 string    `json:"stokvel_id"`
	Name               string    `json:"name"`
	WalletAddress      string    `json:"wallet_address"`
	MinContribution    int64     `json:"min_contribution"`
	MaxMembers         int       `json:"max_members"`
	TotalMembers       int       `json:"total_members"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	ContributionPeriod Period    `json:"contribution_period"`
	PayoutPeriod       Period    `json:"payout_period"`
	TotalContributions int64     `json:"total_contributions"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasCapacity reports whether another member can join.
func (s Stokvel) HasCapacity() bool {
	return s.TotalMembers < s.MaxMembers
}

// MemberStatus is the lifecycle of a membership.
type MemberStatus string

const (
	MemberPending MemberStatus = "pending"
	MemberActive  MemberStatus = "active"
	MemberLeft    MemberStatus = "left"
)

// GrantKind names one of the grant bundles on a Member.
type GrantKind string

const (
	GrantUserContribution GrantKind = "user"
	GrantStokvelPayout    GrantKind = "stokvel"
	GrantAdhoc            GrantKind = "adhoc"
)

// ParseGrantKind maps callback path segments onto grant kinds.
func ParseGrantKind(raw string) (GrantKind, bool) {
	switch GrantKind(raw) {
	case GrantUserContribution, GrantStokvelPayout, GrantAdhoc:
		return GrantKind(raw), true
	}
	return "", false
}

// Grant is the continuation material issued by the payment gateway. It is a value:
// rotation replaces the whole bundle.
type Grant struct {
	ContinueURI    string `json:"continue_uri,omitempty"`
	ContinueToken  string `json:"continue_token,omitempty"`
	QuoteID        string `json:"quote_id,omitempty"`
	InteractionRef string `json:"interaction_ref,omitempty"`
	Accepted       bool   `json:"accepted"`
}

// Rotated returns a copy of g carrying the new token and URI.
func (g Grant) Rotated(token, uri string) Grant {
	g.ContinueToken = token
	if uri != "" {
		g.ContinueURI = uri
	}
	return g
}

// IsZero reports whether no grant has been issued.
func (g Grant) IsZero() bool {
	return g.ContinueURI == "" && g.ContinueToken == "" && g.QuoteID == ""
}

// Member links a user to a stokvel.
type Member struct {
	StokvelID                    string       `json:"stokvel_id"`
	UserID                       string       `json:"user_id"`
	ContributionAmount           int64        `json:"contribution_amount"`
	Status                       MemberStatus `json:"active_status"`
	UserContributionGrant        Grant        `json:"user_contribution_grant"`
	StokvelPayoutGrant           Grant        `json:"stokvel_payout_grant"`
	StokvelInitialPayoutRequired bool         `json:"stokvel_initial_payout_required"`
	AdhocGrant                   *Grant       `json:"adhoc_grant,omitempty"`
	AdhocPayoutAmount            int64        `json:"adhoc_payout_amount"`
	CreatedAt                    time.Time    `json:"created_at"`
	UpdatedAt                    time.Time    `json:"updated_at"`
}

// Grant returns the bundle of the given kind.
func (m Member) Grant(kind GrantKind) Grant {
	switch kind {
	case GrantUserContribution:
		return m.UserContributionGrant
	case GrantStokvelPayout:
		return m.StokvelPayoutGrant
	case GrantAdhoc:
		if m.AdhocGrant != nil {
			return *m.AdhocGrant
		}
	}
	return Grant{}
}

// MemberDetails joins a member with the wallets needed to move money.
type MemberDetails struct {
	Member
	PhoneNumber        string
	UserWallet         string
	StokvelName        string
	StokvelWallet      string
	ContributionPeriod Period
	PayoutPeriod       Period
}

// Membership is one of a user's stokvels as listed in the conversation.
type Membership struct {
	StokvelID   string
	StokvelName string
	IsAdmin     bool
	Status      MemberStatus
}

// ApplicationStatus is the lifecycle of a join request.
type ApplicationStatus string

const (
	ApplicationSubmitted ApplicationStatus = "Submitted"
	ApplicationApproved  ApplicationStatus = "Approved"
	ApplicationDeclined  ApplicationStatus = "Declined"
)

// Terminal reports whether no further transitions are allowed.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationApproved || s == ApplicationDeclined
}

// Application is a request by a user to join a stokvel.
type Application struct {
	ID                   string            `json:"application_id"`
	StokvelID            string            `json:"stokvel_id"`
	UserID               string            `json:"user_id"`
	ProposedContribution int64             `json:"proposed_contribution"`
	Status               ApplicationStatus `json:"status"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// ApplicationView is an application with the applicant's details for admins.
type ApplicationView struct {
	Application
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name"`
	Surname     string `json:"surname"`
	StokvelName string `json:"stokvel_name"`
}

// TxType is the direction of a money movement.
type TxType string

const (
	TxDeposit TxType = "DEPOSIT"
	TxPayout  TxType = "PAYOUT"
)

// Transaction is an append-only money movement record. (StokvelID, UserID, Type, TxDate) is unique.
type Transaction struct {
	ID        string    `json:"tx_id"`
	UserID    string    `json:"user_id"`
	StokvelID string    `json:"stokvel_id"`
	Amount    int64     `json:"amount"`
	Type      TxType    `json:"tx_type"`
	TxDate    time.Time `json:"tx_date"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InterestEntry is the interest earned by a stokvel, dated to the first of a month.
type InterestEntry struct {
	StokvelID     string    `json:"stokvel_id"`
	Date          time.Time `json:"date"`
	InterestValue int64     `json:"interest_value"`
}

// ScheduleKind distinguishes the two schedules a stokvel owns.
type ScheduleKind string

const (
	ScheduleContribution ScheduleKind = "contribution"
	SchedulePayout       ScheduleKind = "payout"
)

// Schedule is the recurring timetable of contributions or payouts for a stokvel.
type Schedule struct {
	Kind         ScheduleKind `json:"kind"`
	StokvelID    string       `json:"stokvel_id"`
	StartDate    time.Time    `json:"start_date"`
	PreviousDate *time.Time   `json:"previous_date,omitempty"`
	NextDate     time.Time    `json:"next_date"`
	Frequency    Period       `json:"frequency"`
	EndDate      time.Time    `json:"end_date"`
}

// Due reports whether the schedule should fire at now. Contributions stop strictly before the
// stokvel's end date; the final payout may fall on it.
func (s Schedule) Due(now time.Time) bool {
	if s.NextDate.After(now) {
		return false
	}
	if s.EndDate.IsZero() {
		return true
	}
	if s.Kind == ScheduleContribution {
		return s.NextDate.Before(s.EndDate)
	}
	return !s.NextDate.After(s.EndDate)
}

// Advanced returns the schedule after one successful tick.
func (s Schedule) Advanced() Schedule {
	prev := s.NextDate
	s.PreviousDate = &prev
	s.NextDate = s.Frequency.Advance(s.StartDate, prev)
	return s
}

// ConversationState is the per-phone navigation stack of the conversation engine.
type ConversationState struct {
	PhoneNumber             string    `json:"phone_number"`
	Stack                   []string  `json:"stack"`
	CurrentStokvelSelection string    `json:"current_stokvel_selection,omitempty"`
	LastInteraction         time.Time `json:"last_interaction"`
}

// Top returns the tag at the top of the stack.
func (c *ConversationState) Top() (string, bool) {
	if c == nil || len(c.Stack) == 0 {
		return "", false
	}
	return c.Stack[len(c.Stack)-1], true
}

// OTP is a one-time code sent to a phone number. Only the code's bcrypt hash is stored.
type OTP struct {
	ID          int64      `json:"id"`
	PhoneNumber string     `json:"phone_number"`
	CodeHash    string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Verified    bool       `json:"verified"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
}

// Expired reports whether the code can no longer be verified.
func (o OTP) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// StokvelSummary is the read model behind the summary reply.
type StokvelSummary struct {
	StokvelName      string
	TotalDeposits    int64
	UserTotalPayouts int64
	ActiveMembers    int
}

// OutboxMessage is a pending event awaiting publication to the broker.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// NotificationMessage is the payload of an outbound message event.
type NotificationMessage struct {
	To        string    `json:"to"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
