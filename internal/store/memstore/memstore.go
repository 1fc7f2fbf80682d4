/**
 * @description
 * An in-memory implementation of store.Repository. Every method runs under a single
 * mutex, which gives the same atomicity the Postgres implementation gets from its
 * transactions. Used by tests and by STORE_DRIVER=memory for local runs.
 */
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/stokvel/stokvel-service/internal/domain"
	"github.com/stokvel/stokvel-service/internal/store"
)

type memberKey struct {
	stokvelID string
	userID    string
}

type txKey struct {
	stokvelID string
	userID    string
	txType    domain.TxType
	date      int64
}

type scheduleKey struct {
	kind      domain.ScheduleKind
	stokvelID string
}

type outboxRecord struct {
	msg       domain.OutboxMessage
	status    string
	nextAt    time.Time
	startedAt time.Time
	lastError string
}

// Store is a goroutine-safe in-memory repository.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	users        map[string]domain.User
	usersByPhone map[string]string
	stokvels     map[string]domain.Stokvel
	admins       map[memberKey]time.Time
	members      map[memberKey]domain.Member
	applications map[string]domain.Application
	transactions []domain.Transaction
	txIndex      map[txKey]struct{}
	interest     map[string]map[int64]domain.InterestEntry
	schedules    map[scheduleKey]domain.Schedule
	otps         []domain.OTP
	states       map[string]domain.ConversationState
	outbox       []*outboxRecord
	nextOTPID    int64
	nextOutboxID int64
}

var _ store.Repository = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		users:        make(map[string]domain.User),
		usersByPhone: make(map[string]string),
		stokvels:     make(map[string]domain.Stokvel),
		admins:       make(map[memberKey]time.Time),
		members:      make(map[memberKey]domain.Member),
		applications: make(map[string]domain.Application),
		txIndex:      make(map[txKey]struct{}),
		interest:     make(map[string]map[int64]domain.InterestEntry),
		schedules:    make(map[scheduleKey]domain.Schedule),
		states:       make(map[string]domain.ConversationState),
	}
}

// WithClock makes outbox leases use the given clock. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByPhone[user.PhoneNumber]; ok {
		return domain.ErrUserExists
	}
	s.users[user.ID] = *user
	s.usersByPhone[user.PhoneNumber] = user.ID
	return nil
}

// FindUserByPhone looks a user up by canonical phone number.
func (s *Store) FindUserByPhone(_ context.Context, phone string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usersByPhone[phone]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	u := s.users[id]
	return &u, nil
}

// FindUserByID looks a user up by id.
func (s *Store) FindUserByID(_ context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

// UpdateUserName sets the user's first name.
func (s *Store) UpdateUserName(_ context.Context, userID, name string) error {
	return s.updateUser(userID, func(u *domain.User) { u.Name = name })
}

// UpdateUserSurname sets the user's surname.
func (s *Store) UpdateUserSurname(_ context.Context, userID, surname string) error {
	return s.updateUser(userID, func(u *domain.User) { u.Surname = surname })
}

func (s *Store) updateUser(userID string, mutate func(*domain.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	mutate(&u)
	u.UpdatedAt = s.now()
	s.users[userID] = u
	return nil
}

// IsAnyStokvelAdmin reports whether the user administers at least one stokvel.
func (s *Store) IsAnyStokvelAdmin(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.admins {
		if k.userID == userID {
			return true, nil
		}
	}
	return false, nil
}

// CreateStokvel inserts the stokvel, its creator as admin and pending member, and both schedules.
func (s *Store) CreateStokvel(_ context.Context, params store.CreateStokvelParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv := params.Stokvel
	for _, existing := range s.stokvels {
		if existing.Name == sv.Name {
			return domain.ErrStokvelNameTaken
		}
	}
	sv.TotalMembers = 1
	sv.TotalContributions = 0
	sv.UpdatedAt = sv.CreatedAt
	s.stokvels[sv.ID] = sv

	key := memberKey{sv.ID, params.CreatorID}
	s.admins[key] = sv.CreatedAt
	s.members[key] = domain.Member{
		StokvelID:          sv.ID,
		UserID:             params.CreatorID,
		ContributionAmount: params.CreatorContribution,
		Status:             domain.MemberPending,
		CreatedAt:          sv.CreatedAt,
		UpdatedAt:          sv.CreatedAt,
	}

	s.schedules[scheduleKey{domain.ScheduleContribution, sv.ID}] = domain.Schedule{
		Kind: domain.ScheduleContribution, StokvelID: sv.ID, StartDate: sv.StartDate,
		NextDate: sv.StartDate, Frequency: sv.ContributionPeriod,
	}
	s.schedules[scheduleKey{domain.SchedulePayout, sv.ID}] = domain.Schedule{
		Kind: domain.SchedulePayout, StokvelID: sv.ID, StartDate: sv.StartDate,
		NextDate: sv.StartDate, Frequency: sv.PayoutPeriod,
	}
	return nil
}

// FindStokvelByID fetches a stokvel by id.
func (s *Store) FindStokvelByID(_ context.Context, stokvelID string) (*domain.Stokvel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.stokvels[stokvelID]
	if !ok {
		return nil, domain.ErrStokvelNotFound
	}
	return &sv, nil
}

// FindStokvelByName fetches a stokvel by its unique name.
func (s *Store) FindStokvelByName(_ context.Context, name string) (*domain.Stokvel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sv := range s.stokvels {
		if sv.Name == name {
			sv := sv
			return &sv, nil
		}
	}
	return nil, domain.ErrStokvelNotFound
}

// ListStokvels returns every stokvel ordered by name.
func (s *Store) ListStokvels(_ context.Context) ([]domain.Stokvel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Stokvel, 0, len(s.stokvels))
	for _, sv := range s.stokvels {
		out = append(out, sv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RenameStokvel changes a stokvel's name, keeping names unique.
func (s *Store) RenameStokvel(_ context.Context, stokvelID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.stokvels[stokvelID]
	if !ok {
		return domain.ErrStokvelNotFound
	}
	for id, other := range s.stokvels {
		if id != stokvelID && other.Name == name {
			return domain.ErrStokvelNameTaken
		}
	}
	sv.Name = name
	sv.UpdatedAt = s.now()
	s.stokvels[stokvelID] = sv
	return nil
}

// UpdateStokvelMaxMembers changes the capacity without dropping below the current member count.
func (s *Store) UpdateStokvelMaxMembers(_ context.Context, stokvelID string, maxMembers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.stokvels[stokvelID]
	if !ok {
		return domain.ErrStokvelNotFound
	}
	if maxMembers < sv.TotalMembers {
		return domain.ErrCapacityBelowMembers
	}
	sv.MaxMembers = maxMembers
	sv.UpdatedAt = s.now()
	s.stokvels[stokvelID] = sv
	return nil
}

// AddAdmin marks a user as administrator of a stokvel.
func (s *Store) AddAdmin(_ context.Context, stokvelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stokvels[stokvelID]; !ok {
		return domain.ErrStokvelNotFound
	}
	key := memberKey{stokvelID, userID}
	if _, ok := s.admins[key]; !ok {
		s.admins[key] = s.now()
	}
	return nil
}

// IsAdmin reports whether the user administers the stokvel.
func (s *Store) IsAdmin(_ context.Context, stokvelID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.admins[memberKey{stokvelID, userID}]
	return ok, nil
}

// ListAdmins returns the admins of a stokvel.
func (s *Store) ListAdmins(_ context.Context, stokvelID string) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type entry struct {
		user domain.User
		at   time.Time
	}
	var entries []entry
	for k, at := range s.admins {
		if k.stokvelID == stokvelID {
			entries = append(entries, entry{s.users[k.userID], at})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	admins := make([]domain.User, 0, len(entries))
	for _, e := range entries {
		admins = append(admins, e.user)
	}
	return admins, nil
}

// ListMemberships returns the stokvels a user belongs to (excluding ones they left), ordered by name.
func (s *Store) ListMemberships(_ context.Context, userID string) ([]domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Membership
	for k, m := range s.members {
		if k.userID != userID || m.Status == domain.MemberLeft {
			continue
		}
		_, isAdmin := s.admins[k]
		out = append(out, domain.Membership{
			StokvelID:   k.stokvelID,
			StokvelName: s.stokvels[k.stokvelID].Name,
			IsAdmin:     isAdmin,
			Status:      m.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StokvelName < out[j].StokvelName })
	return out, nil
}

// GetStokvelSummary aggregates deposits, the user's payouts and active members.
func (s *Store) GetStokvelSummary(_ context.Context, stokvelID, userID string) (*domain.StokvelSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.stokvels[stokvelID]
	if !ok {
		return nil, domain.ErrStokvelNotFound
	}
	summary := &domain.StokvelSummary{StokvelName: sv.Name}
	for _, t := range s.transactions {
		if t.StokvelID != stokvelID {
			continue
		}
		switch {
		case t.Type == domain.TxDeposit:
			summary.TotalDeposits += t.Amount
		case t.Type == domain.TxPayout && t.UserID == userID:
			summary.UserTotalPayouts += t.Amount
		}
	}
	for k, m := range s.members {
		if k.stokvelID == stokvelID && m.Status == domain.MemberActive {
			summary.ActiveMembers++
		}
	}
	return summary, nil
}

func cloneMember(m domain.Member) domain.Member {
	if m.AdhocGrant != nil {
		g := *m.AdhocGrant
		m.AdhocGrant = &g
	}
	return m
}

// FindMember fetches a membership.
func (s *Store) FindMember(_ context.Context, stokvelID, userID string) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{stokvelID, userID}]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	m = cloneMember(m)
	return &m, nil
}

func (s *Store) detailsLocked(m domain.Member) domain.MemberDetails {
	u := s.users[m.UserID]
	sv := s.stokvels[m.StokvelID]
	return domain.MemberDetails{
		Member:             cloneMember(m),
		PhoneNumber:        u.PhoneNumber,
		UserWallet:         u.WalletAddress,
		StokvelName:        sv.Name,
		StokvelWallet:      sv.WalletAddress,
		ContributionPeriod: sv.ContributionPeriod,
		PayoutPeriod:       sv.PayoutPeriod,
	}
}

// FindMemberDetails fetches a membership joined with both wallets.
func (s *Store) FindMemberDetails(_ context.Context, stokvelID, userID string) (*domain.MemberDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{stokvelID, userID}]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	d := s.detailsLocked(m)
	return &d, nil
}

// ListMemberDetails returns every membership of a stokvel, oldest first.
func (s *Store) ListMemberDetails(_ context.Context, stokvelID string) ([]domain.MemberDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MemberDetails
	for k, m := range s.members {
		if k.stokvelID == stokvelID {
			out = append(out, s.detailsLocked(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func setGrant(m *domain.Member, kind domain.GrantKind, g domain.Grant) {
	switch kind {
	case domain.GrantUserContribution:
		m.UserContributionGrant = g
	case domain.GrantStokvelPayout:
		m.StokvelPayoutGrant = g
	case domain.GrantAdhoc:
		m.AdhocGrant = &g
	}
}

// SaveGrant overwrites a grant bundle unconditionally.
func (s *Store) SaveGrant(_ context.Context, stokvelID, userID string, kind domain.GrantKind, grant domain.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{stokvelID, userID}
	m, ok := s.members[key]
	if !ok {
		return domain.ErrMemberNotFound
	}
	setGrant(&m, kind, grant)
	m.UpdatedAt = s.now()
	s.members[key] = m
	return nil
}

// RotateGrant replaces a grant bundle if the stored token still matches expectedToken.
func (s *Store) RotateGrant(_ context.Context, stokvelID, userID string, kind domain.GrantKind, expectedToken string, next domain.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{stokvelID, userID}
	m, ok := s.members[key]
	if !ok {
		return domain.ErrMemberNotFound
	}
	if m.Grant(kind).ContinueToken != expectedToken {
		return domain.ErrGrantConflict
	}
	setGrant(&m, kind, next)
	m.UpdatedAt = s.now()
	s.members[key] = m
	return nil
}

// SetMemberStatus updates a member's lifecycle status.
func (s *Store) SetMemberStatus(_ context.Context, stokvelID, userID string, status domain.MemberStatus) error {
	return s.updateMember(stokvelID, userID, func(m *domain.Member) error {
		m.Status = status
		return nil
	})
}

// SetInitialPayoutRequired toggles the initial 1-minor-unit payout flag.
func (s *Store) SetInitialPayoutRequired(_ context.Context, stokvelID, userID string, required bool) error {
	return s.updateMember(stokvelID, userID, func(m *domain.Member) error {
		m.StokvelInitialPayoutRequired = required
		return nil
	})
}

// UpdateMemberContributionAmount changes a member's contribution, enforcing the stokvel minimum.
func (s *Store) UpdateMemberContributionAmount(_ context.Context, stokvelID, userID string, amount int64) error {
	return s.updateMember(stokvelID, userID, func(m *domain.Member) error {
		if amount < s.stokvels[stokvelID].MinContribution {
			return domain.ErrContributionTooLow
		}
		m.ContributionAmount = amount
		return nil
	})
}

func (s *Store) updateMember(stokvelID, userID string, mutate func(*domain.Member) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{stokvelID, userID}
	m, ok := s.members[key]
	if !ok {
		return domain.ErrMemberNotFound
	}
	if err := mutate(&m); err != nil {
		return err
	}
	m.UpdatedAt = s.now()
	s.members[key] = m
	return nil
}

// LeaveStokvel marks the member as left, records the balance owed and frees a seat.
func (s *Store) LeaveStokvel(_ context.Context, stokvelID, userID string, adhocPayoutAmount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.stokvels[stokvelID]
	if !ok {
		return domain.ErrStokvelNotFound
	}
	key := memberKey{stokvelID, userID}
	m, ok := s.members[key]
	if !ok {
		return domain.ErrMemberNotFound
	}
	if m.Status == domain.MemberLeft {
		return domain.ErrMemberNotActive
	}
	now := s.now()
	m.Status = domain.MemberLeft
	m.AdhocPayoutAmount = adhocPayoutAmount
	m.UpdatedAt = now
	s.members[key] = m
	if sv.TotalMembers > 0 {
		sv.TotalMembers--
	}
	sv.UpdatedAt = now
	s.stokvels[stokvelID] = sv
	return nil
}

// SubmitApplication validates and inserts a join request.
func (s *Store) SubmitApplication(_ context.Context, app *domain.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.stokvels[app.StokvelID]
	if !ok {
		return domain.ErrStokvelNotFound
	}
	if m, ok := s.members[memberKey{app.StokvelID, app.UserID}]; ok && m.Status != domain.MemberLeft {
		return domain.ErrAlreadyMember
	}
	for _, existing := range s.applications {
		if existing.StokvelID == app.StokvelID && existing.UserID == app.UserID && existing.Status == domain.ApplicationSubmitted {
			return domain.ErrDuplicateApplication
		}
	}
	if !sv.HasCapacity() {
		return domain.ErrStokvelFull
	}
	if app.ProposedContribution < sv.MinContribution {
		return domain.ErrContributionTooLow
	}
	stored := *app
	stored.Status = domain.ApplicationSubmitted
	stored.UpdatedAt = stored.CreatedAt
	s.applications[app.ID] = stored
	app.Status = stored.Status
	return nil
}

// FindApplication fetches an application by id.
func (s *Store) FindApplication(_ context.Context, applicationID string) (*domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.applications[applicationID]
	if !ok {
		return nil, domain.ErrApplicationNotFound
	}
	return &a, nil
}

// ListPendingApplications returns the submitted applications of a stokvel with applicant details.
func (s *Store) ListPendingApplications(_ context.Context, stokvelID string) ([]domain.ApplicationView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ApplicationView
	for _, a := range s.applications {
		if a.StokvelID != stokvelID || a.Status != domain.ApplicationSubmitted {
			continue
		}
		u := s.users[a.UserID]
		out = append(out, domain.ApplicationView{
			Application: a,
			PhoneNumber: u.PhoneNumber,
			Name:        u.Name,
			Surname:     u.Surname,
			StokvelName: s.stokvels[a.StokvelID].Name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ApproveApplication admits the applicant as a pending member. On a full stokvel the
// application stays Submitted.
func (s *Store) ApproveApplication(_ context.Context, applicationID string, at time.Time) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.applications[applicationID]
	if !ok {
		return nil, domain.ErrApplicationNotFound
	}
	if a.Status != domain.ApplicationSubmitted {
		return nil, domain.ErrApplicationClosed
	}
	sv, ok := s.stokvels[a.StokvelID]
	if !ok {
		return nil, domain.ErrStokvelNotFound
	}
	if !sv.HasCapacity() {
		return nil, domain.ErrStokvelFull
	}
	key := memberKey{a.StokvelID, a.UserID}
	existing, exists := s.members[key]
	if exists && existing.Status != domain.MemberLeft {
		return nil, domain.ErrAlreadyMember
	}

	member := domain.Member{
		StokvelID:          a.StokvelID,
		UserID:             a.UserID,
		ContributionAmount: a.ProposedContribution,
		Status:             domain.MemberPending,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
	if exists {
		member.CreatedAt = existing.CreatedAt
	}
	s.members[key] = member

	a.Status = domain.ApplicationApproved
	a.UpdatedAt = at
	s.applications[applicationID] = a

	sv.TotalMembers++
	sv.UpdatedAt = at
	s.stokvels[a.StokvelID] = sv

	out := member
	return &out, nil
}

// DeclineApplication closes a submitted application.
func (s *Store) DeclineApplication(_ context.Context, applicationID string, at time.Time) (*domain.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.applications[applicationID]
	if !ok {
		return nil, domain.ErrApplicationNotFound
	}
	if a.Status != domain.ApplicationSubmitted {
		return nil, domain.ErrApplicationClosed
	}
	a.Status = domain.ApplicationDeclined
	a.UpdatedAt = at
	s.applications[applicationID] = a
	return &a, nil
}

// InsertTransaction appends a ledger record, ignoring duplicates.
func (s *Store) InsertTransaction(_ context.Context, t *domain.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := txKey{t.StokvelID, t.UserID, t.Type, t.TxDate.UnixNano()}
	if _, dup := s.txIndex[key]; dup {
		return false, nil
	}
	s.txIndex[key] = struct{}{}
	stored := *t
	stored.UpdatedAt = stored.CreatedAt
	s.transactions = append(s.transactions, stored)
	if t.Type == domain.TxDeposit {
		if sv, ok := s.stokvels[t.StokvelID]; ok {
			sv.TotalContributions += t.Amount
			s.stokvels[t.StokvelID] = sv
		}
	}
	return true, nil
}

// ListTransactions returns the records matching filter ordered by date.
func (s *Store) ListTransactions(_ context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, t := range s.transactions {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TxDate.Before(out[j].TxDate) })
	return out, nil
}

// LastTransactionDate returns the latest tx_date of the given type, or nil when none exists.
func (s *Store) LastTransactionDate(_ context.Context, stokvelID, userID string, txType domain.TxType) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, t := range s.transactions {
		if t.StokvelID != stokvelID || t.Type != txType || (userID != "" && t.UserID != userID) {
			continue
		}
		if last == nil || t.TxDate.After(*last) {
			d := t.TxDate
			last = &d
		}
	}
	return last, nil
}

func dateKey(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

// InsertInterest records a month's interest, keeping the first entry for a date.
func (s *Store) InsertInterest(_ context.Context, entry domain.InterestEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDate, ok := s.interest[entry.StokvelID]
	if !ok {
		byDate = make(map[int64]domain.InterestEntry)
		s.interest[entry.StokvelID] = byDate
	}
	key := dateKey(entry.Date)
	if _, dup := byDate[key]; dup {
		return false, nil
	}
	entry.Date = time.Unix(key, 0).UTC()
	byDate[key] = entry
	return true, nil
}

// ListInterest returns entries dated in (after, through], oldest first.
func (s *Store) ListInterest(_ context.Context, stokvelID string, after, through time.Time) ([]domain.InterestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lo, hi := dateKey(after), dateKey(through)
	var out []domain.InterestEntry
	for key, e := range s.interest[stokvelID] {
		if key > lo && key <= hi {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) scheduleLocked(key scheduleKey) (domain.Schedule, bool) {
	sc, ok := s.schedules[key]
	if !ok {
		return sc, false
	}
	sc.EndDate = s.stokvels[key.stokvelID].EndDate
	if sc.PreviousDate != nil {
		prev := *sc.PreviousDate
		sc.PreviousDate = &prev
	}
	return sc, true
}

// ListDueSchedules returns schedules of kind that are due at now.
func (s *Store) ListDueSchedules(_ context.Context, kind domain.ScheduleKind, now time.Time) ([]domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Schedule
	for key := range s.schedules {
		if key.kind != kind {
			continue
		}
		sc, _ := s.scheduleLocked(key)
		if sc.Due(now) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextDate.Equal(out[j].NextDate) {
			return out[i].NextDate.Before(out[j].NextDate)
		}
		return out[i].StokvelID < out[j].StokvelID
	})
	return out, nil
}

// FindSchedule fetches one schedule.
func (s *Store) FindSchedule(_ context.Context, kind domain.ScheduleKind, stokvelID string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scheduleLocked(scheduleKey{kind, stokvelID})
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return &sc, nil
}

// AdvanceSchedule moves the schedule forward only if its next date still equals expectedNext.
func (s *Store) AdvanceSchedule(_ context.Context, kind domain.ScheduleKind, stokvelID string, expectedNext time.Time, next domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scheduleKey{kind, stokvelID}
	sc, ok := s.schedules[key]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	if !sc.NextDate.Equal(expectedNext) {
		return domain.ErrScheduleConflict
	}
	if next.PreviousDate != nil {
		prev := *next.PreviousDate
		sc.PreviousDate = &prev
	}
	sc.NextDate = next.NextDate
	s.schedules[key] = sc
	return nil
}

// InsertOTP stores a new code and sets its generated id.
func (s *Store) InsertOTP(_ context.Context, otp *domain.OTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOTPID++
	otp.ID = s.nextOTPID
	s.otps = append(s.otps, *otp)
	return nil
}

// LatestUnverifiedOTP returns the most recent unverified code.
func (s *Store) LatestUnverifiedOTP(_ context.Context, phone string) (*domain.OTP, error) {
	return s.latestOTP(phone, false)
}

// LatestVerifiedOTP returns the most recently verified code.
func (s *Store) LatestVerifiedOTP(_ context.Context, phone string) (*domain.OTP, error) {
	return s.latestOTP(phone, true)
}

func (s *Store) latestOTP(phone string, verified bool) (*domain.OTP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.otps) - 1; i >= 0; i-- {
		o := s.otps[i]
		if o.PhoneNumber == phone && o.Verified == verified {
			return &o, nil
		}
	}
	return nil, domain.ErrOTPNotFound
}

// MarkOTPVerified flags a code as used.
func (s *Store) MarkOTPVerified(_ context.Context, otpID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.otps {
		if s.otps[i].ID == otpID {
			s.otps[i].Verified = true
			s.otps[i].VerifiedAt = &at
			return nil
		}
	}
	return domain.ErrOTPNotFound
}

// GetConversationState returns the stored state, or an empty one for unknown numbers.
func (s *Store) GetConversationState(_ context.Context, phone string) (*domain.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[phone]
	if !ok {
		return &domain.ConversationState{PhoneNumber: phone}, nil
	}
	st.Stack = append([]string(nil), st.Stack...)
	return &st, nil
}

func (s *Store) mutateState(phone string, at time.Time, mutate func(*domain.ConversationState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[phone]
	if !ok {
		st = domain.ConversationState{PhoneNumber: phone}
	}
	mutate(&st)
	st.LastInteraction = at
	s.states[phone] = st
}

// PushState appends a tag to the phone's stack.
func (s *Store) PushState(_ context.Context, phone, tag string, at time.Time) error {
	s.mutateState(phone, at, func(st *domain.ConversationState) {
		st.Stack = append(append([]string(nil), st.Stack...), tag)
	})
	return nil
}

// PopState drops the top of the stack.
func (s *Store) PopState(_ context.Context, phone string, at time.Time) error {
	s.mutateState(phone, at, func(st *domain.ConversationState) {
		if len(st.Stack) > 0 {
			st.Stack = append([]string(nil), st.Stack[:len(st.Stack)-1]...)
		}
	})
	return nil
}

// ResetState replaces the stack with a single tag (or empties it) and clears the selection.
func (s *Store) ResetState(_ context.Context, phone, tag string, at time.Time) error {
	s.mutateState(phone, at, func(st *domain.ConversationState) {
		st.Stack = nil
		if tag != "" {
			st.Stack = []string{tag}
		}
		st.CurrentStokvelSelection = ""
	})
	return nil
}

// SetStokvelSelection records the stokvel the user is acting on.
func (s *Store) SetStokvelSelection(_ context.Context, phone, stokvelID string, at time.Time) error {
	s.mutateState(phone, at, func(st *domain.ConversationState) {
		st.CurrentStokvelSelection = stokvelID
	})
	return nil
}

// EnqueueOutboxMessage stores an event for the dispatcher to publish.
func (s *Store) EnqueueOutboxMessage(_ context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOutboxID++
	s.outbox = append(s.outbox, &outboxRecord{
		msg:    domain.OutboxMessage{ID: s.nextOutboxID, Exchange: exchange, RoutingKey: routingKey, Payload: blob},
		status: "pending",
		nextAt: s.now(),
	})
	return nil
}

// ClaimOutboxMessages leases a batch of pending messages, reclaiming stale leases.
func (s *Store) ClaimOutboxMessages(_ context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	stale := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	var out []domain.OutboxMessage
	for _, rec := range s.outbox {
		if len(out) >= limit {
			break
		}
		claimable := (rec.status == "pending" && !rec.nextAt.After(now)) ||
			(rec.status == "processing" && rec.startedAt.Before(stale))
		if !claimable {
			continue
		}
		rec.status = "processing"
		rec.startedAt = now
		rec.msg.Attempts++
		out = append(out, rec.msg)
	}
	return out, nil
}

// MarkOutboxPublished completes a claimed message.
func (s *Store) MarkOutboxPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.outbox {
		if rec.msg.ID == id {
			rec.status = "published"
			rec.lastError = ""
		}
	}
	return nil
}

// MarkOutboxFailed returns a claimed message to pending with a retry delay.
func (s *Store) MarkOutboxFailed(_ context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.outbox {
		if rec.msg.ID == id {
			rec.status = "pending"
			rec.nextAt = s.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			rec.lastError = reason
		}
	}
	return nil
}

// Outbox returns every enqueued message with its status. Intended for tests.
func (s *Store) Outbox() []OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxEntry, 0, len(s.outbox))
	for _, rec := range s.outbox {
		out = append(out, OutboxEntry{Message: rec.msg, Status: rec.status, LastError: rec.lastError})
	}
	return out
}

// OutboxEntry is a snapshot of an outbox record.
type OutboxEntry struct {
	Message   domain.OutboxMessage
	Status    string
	LastError string
}
