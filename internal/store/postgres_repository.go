/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * users, stokvels, memberships and applications. Composite operations open a
 * transaction and lock the stokvel row with FOR UPDATE so that the member counter
 * and the capacity check cannot race.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models and error kinds.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stokvel/stokvel-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `user_id::text, phone_number, name, surname, wallet_address, momo_wallet, kyc_verified, created_at, updated_at`

const stokvelColumns = `stokvel_id::text, name, wallet_address, min_contribution, max_members, total_members,
	start_date, end_date, contribution_period, payout_period, total_contributions, created_at, updated_at`

const memberColumns = `m.stokvel_id::text, m.user_id::text, m.contribution_amount, m.active_status,
	m.user_contribution_grant::text, m.stokvel_payout_grant::text, m.stokvel_initial_payout_required,
	m.adhoc_grant::text, m.adhoc_payout_amount, m.created_at, m.updated_at`

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.PhoneNumber, &u.Name, &u.Surname, &u.WalletAddress, &u.MomoWallet,
		&u.KYCVerified, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanStokvel(row pgx.Row) (*domain.Stokvel, error) {
	var (
		s                    domain.Stokvel
		contribution, payout string
	)
	if err := row.Scan(&s.ID, &s.Name, &s.WalletAddress, &s.MinContribution, &s.MaxMembers, &s.TotalMembers,
		&s.StartDate, &s.EndDate, &contribution, &payout, &s.TotalContributions, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.ContributionPeriod = domain.Period(contribution)
	s.PayoutPeriod = domain.Period(payout)
	return &s, nil
}

func decodeGrant(raw *string) (domain.Grant, error) {
	var g domain.Grant
	if raw == nil || *raw == "" {
		return g, nil
	}
	if err := json.Unmarshal([]byte(*raw), &g); err != nil {
		return g, fmt.Errorf("decode grant: %w", err)
	}
	return g, nil
}

func encodeGrant(g domain.Grant) (string, error) {
	blob, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// memberScanTarget holds the raw columns of memberColumns.
type memberScanTarget struct {
	m                      domain.Member
	status                 string
	userGrant, payoutGrant *string
	adhocGrant             *string
}

func (t *memberScanTarget) dest() []interface{} {
	return []interface{}{&t.m.StokvelID, &t.m.UserID, &t.m.ContributionAmount, &t.status,
		&t.userGrant, &t.payoutGrant, &t.m.StokvelInitialPayoutRequired,
		&t.adhocGrant, &t.m.AdhocPayoutAmount, &t.m.CreatedAt, &t.m.UpdatedAt}
}

func (t *memberScanTarget) member() (*domain.Member, error) {
	m := t.m
	m.Status = domain.MemberStatus(t.status)
	var err error
	if m.UserContributionGrant, err = decodeGrant(t.userGrant); err != nil {
		return nil, err
	}
	if m.StokvelPayoutGrant, err = decodeGrant(t.payoutGrant); err != nil {
		return nil, err
	}
	if t.adhocGrant != nil {
		g, err := decodeGrant(t.adhocGrant)
		if err != nil {
			return nil, err
		}
		m.AdhocGrant = &g
	}
	return &m, nil
}

// CreateUser inserts a new user. The phone number must already be canonical.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (user_id, phone_number, name, surname, wallet_address, momo_wallet, kyc_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err := r.db.Exec(ctx, query, user.ID, user.PhoneNumber, user.Name, user.Surname, user.WalletAddress,
		user.MomoWallet, user.KYCVerified, user.CreatedAt)
	if _, ok := uniqueViolation(err); ok {
		return domain.ErrUserExists
	}
	return err
}

// FindUserByPhone looks a user up by canonical phone number.
func (r *PostgresRepository) FindUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE phone_number = $1", phone))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// FindUserByID looks a user up by id.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (*domain.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE user_id = $1", userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// UpdateUserName sets the user's first name.
func (r *PostgresRepository) UpdateUserName(ctx context.Context, userID, name string) error {
	return r.updateUserColumn(ctx, "name", userID, name)
}

// UpdateUserSurname sets the user's surname.
func (r *PostgresRepository) UpdateUserSurname(ctx context.Context, userID, surname string) error {
	return r.updateUserColumn(ctx, "surname", userID, surname)
}

func (r *PostgresRepository) updateUserColumn(ctx context.Context, column, userID, value string) error {
	query := fmt.Sprintf(`UPDATE users SET %s = $1, updated_at = NOW() WHERE user_id = $2`, column)
	tag, err := r.db.Exec(ctx, query, value, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// IsAnyStokvelAdmin reports whether the user administers at least one stokvel.
func (r *PostgresRepository) IsAnyStokvelAdmin(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stokvel_admins WHERE user_id = $1)`, userID).Scan(&exists)
	return exists, err
}

// CreateStokvel inserts the stokvel, its inaugural admin and member, and both schedules atomically.
func (r *PostgresRepository) CreateStokvel(ctx context.Context, params CreateStokvelParams) error {
	s := params.Stokvel
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO stokvels (
			stokvel_id, name, wallet_address, min_contribution, max_members, total_members,
			start_date, end_date, contribution_period, payout_period, total_contributions, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, 0, $10, $10)
	`, s.ID, s.Name, s.WalletAddress, s.MinContribution, s.MaxMembers,
		s.StartDate, s.EndDate, string(s.ContributionPeriod), string(s.PayoutPeriod), s.CreatedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return domain.ErrStokvelNameTaken
		}
		return err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO stokvel_admins (stokvel_id, user_id, created_at) VALUES ($1, $2, $3)`,
		s.ID, params.CreatorID, s.CreatedAt); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO stokvel_members (stokvel_id, user_id, contribution_amount, active_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, s.ID, params.CreatorID, params.CreatorContribution, string(domain.MemberPending), s.CreatedAt); err != nil {
		return err
	}

	scheduleQuery := `
		INSERT INTO stokvel_schedules (kind, stokvel_id, start_date, previous_date, next_date, frequency)
		VALUES ($1, $2, $3, NULL, $3, $4)
	`
	if _, err := tx.Exec(ctx, scheduleQuery, string(domain.ScheduleContribution), s.ID, s.StartDate, string(s.ContributionPeriod)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, scheduleQuery, string(domain.SchedulePayout), s.ID, s.StartDate, string(s.PayoutPeriod)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindStokvelByID fetches a stokvel by id.
func (r *PostgresRepository) FindStokvelByID(ctx context.Context, stokvelID string) (*domain.Stokvel, error) {
	s, err := scanStokvel(r.db.QueryRow(ctx, "SELECT "+stokvelColumns+" FROM stokvels WHERE stokvel_id = $1", stokvelID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrStokvelNotFound
		}
		return nil, err
	}
	return s, nil
}

// FindStokvelByName fetches a stokvel by its unique name.
func (r *PostgresRepository) FindStokvelByName(ctx context.Context, name string) (*domain.Stokvel, error) {
	s, err := scanStokvel(r.db.QueryRow(ctx, "SELECT "+stokvelColumns+" FROM stokvels WHERE name = $1", name))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrStokvelNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListStokvels returns every stokvel ordered by name.
func (r *PostgresRepository) ListStokvels(ctx context.Context) ([]domain.Stokvel, error) {
	rows, err := r.db.Query(ctx, "SELECT "+stokvelColumns+" FROM stokvels ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stokvels []domain.Stokvel
	for rows.Next() {
		s, err := scanStokvel(rows)
		if err != nil {
			return nil, err
		}
		stokvels = append(stokvels, *s)
	}
	return stokvels, rows.Err()
}

// RenameStokvel changes a stokvel's name, keeping names unique.
func (r *PostgresRepository) RenameStokvel(ctx context.Context, stokvelID, name string) error {
	tag, err := r.db.Exec(ctx, `UPDATE stokvels SET name = $1, updated_at = NOW() WHERE stokvel_id = $2`, name, stokvelID)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return domain.ErrStokvelNameTaken
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStokvelNotFound
	}
	return nil
}

// UpdateStokvelMaxMembers changes the capacity without dropping below the current member count.
func (r *PostgresRepository) UpdateStokvelMaxMembers(ctx context.Context, stokvelID string, maxMembers int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var total int
	err = tx.QueryRow(ctx, `SELECT total_members FROM stokvels WHERE stokvel_id = $1 FOR UPDATE`, stokvelID).Scan(&total)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrStokvelNotFound
		}
		return err
	}
	if maxMembers < total {
		return domain.ErrCapacityBelowMembers
	}

	if _, err := tx.Exec(ctx, `UPDATE stokvels SET max_members = $1, updated_at = NOW() WHERE stokvel_id = $2`, maxMembers, stokvelID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddAdmin marks a user as administrator of a stokvel. Adding an existing admin is a no-op.
func (r *PostgresRepository) AddAdmin(ctx context.Context, stokvelID, userID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO stokvel_admins (stokvel_id, user_id) VALUES ($1, $2)
		ON CONFLICT (stokvel_id, user_id) DO NOTHING
	`, stokvelID, userID)
	return err
}

// IsAdmin reports whether the user administers the stokvel.
func (r *PostgresRepository) IsAdmin(ctx context.Context, stokvelID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stokvel_admins WHERE stokvel_id = $1 AND user_id = $2)`,
		stokvelID, userID).Scan(&exists)
	return exists, err
}

// ListAdmins returns the admins of a stokvel.
func (r *PostgresRepository) ListAdmins(ctx context.Context, stokvelID string) ([]domain.User, error) {
	rows, err := r.db.Query(ctx, `
		SELECT u.user_id::text, u.phone_number, u.name, u.surname, u.wallet_address, u.momo_wallet, u.kyc_verified, u.created_at, u.updated_at
		FROM stokvel_admins a
		JOIN users u ON u.user_id = a.user_id
		WHERE a.stokvel_id = $1
		ORDER BY a.created_at
	`, stokvelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		admins = append(admins, *u)
	}
	return admins, rows.Err()
}

// ListMemberships returns the stokvels a user belongs to (excluding ones they left), ordered by name.
func (r *PostgresRepository) ListMemberships(ctx context.Context, userID string) ([]domain.Membership, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.stokvel_id::text, s.name,
		       EXISTS(SELECT 1 FROM stokvel_admins a WHERE a.stokvel_id = m.stokvel_id AND a.user_id = m.user_id),
		       m.active_status
		FROM stokvel_members m
		JOIN stokvels s ON s.stokvel_id = m.stokvel_id
		WHERE m.user_id = $1 AND m.active_status <> 'left'
		ORDER BY s.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []domain.Membership
	for rows.Next() {
		var (
			ms     domain.Membership
			status string
		)
		if err := rows.Scan(&ms.StokvelID, &ms.StokvelName, &ms.IsAdmin, &status); err != nil {
			return nil, err
		}
		ms.Status = domain.MemberStatus(status)
		memberships = append(memberships, ms)
	}
	return memberships, rows.Err()
}

// GetStokvelSummary aggregates deposits, the user's payouts and active members.
func (r *PostgresRepository) GetStokvelSummary(ctx context.Context, stokvelID, userID string) (*domain.StokvelSummary, error) {
	var summary domain.StokvelSummary
	err := r.db.QueryRow(ctx, `
		SELECT s.name,
		       COALESCE((SELECT SUM(t.amount) FROM transactions t WHERE t.stokvel_id = s.stokvel_id AND t.tx_type = 'DEPOSIT'), 0)::bigint,
		       COALESCE((SELECT SUM(t.amount) FROM transactions t WHERE t.stokvel_id = s.stokvel_id AND t.user_id = $2 AND t.tx_type = 'PAYOUT'), 0)::bigint,
		       (SELECT COUNT(*) FROM stokvel_members m WHERE m.stokvel_id = s.stokvel_id AND m.active_status = 'active')::int
		FROM stokvels s
		WHERE s.stokvel_id = $1
	`, stokvelID, userID).Scan(&summary.StokvelName, &summary.TotalDeposits, &summary.UserTotalPayouts, &summary.ActiveMembers)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrStokvelNotFound
		}
		return nil, err
	}
	return &summary, nil
}

// FindMember fetches a membership.
func (r *PostgresRepository) FindMember(ctx context.Context, stokvelID, userID string) (*domain.Member, error) {
	var t memberScanTarget
	err := r.db.QueryRow(ctx, "SELECT "+memberColumns+" FROM stokvel_members m WHERE m.stokvel_id = $1 AND m.user_id = $2",
		stokvelID, userID).Scan(t.dest()...)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrMemberNotFound
		}
		return nil, err
	}
	return t.member()
}

const memberDetailsQuery = `
	SELECT ` + memberColumns + `, u.phone_number, u.wallet_address, s.name, s.wallet_address,
	       s.contribution_period, s.payout_period
	FROM stokvel_members m
	JOIN users u ON u.user_id = m.user_id
	JOIN stokvels s ON s.stokvel_id = m.stokvel_id
`

func scanMemberDetails(row pgx.Row) (*domain.MemberDetails, error) {
	var (
		t                    memberScanTarget
		d                    domain.MemberDetails
		contribution, payout string
	)
	dest := append(t.dest(), &d.PhoneNumber, &d.UserWallet, &d.StokvelName, &d.StokvelWallet, &contribution, &payout)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	m, err := t.member()
	if err != nil {
		return nil, err
	}
	d.Member = *m
	d.ContributionPeriod = domain.Period(contribution)
	d.PayoutPeriod = domain.Period(payout)
	return &d, nil
}

// FindMemberDetails fetches a membership joined with both wallets.
func (r *PostgresRepository) FindMemberDetails(ctx context.Context, stokvelID, userID string) (*domain.MemberDetails, error) {
	d, err := scanMemberDetails(r.db.QueryRow(ctx, memberDetailsQuery+" WHERE m.stokvel_id = $1 AND m.user_id = $2", stokvelID, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrMemberNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListMemberDetails returns every membership of a stokvel, oldest first.
func (r *PostgresRepository) ListMemberDetails(ctx context.Context, stokvelID string) ([]domain.MemberDetails, error) {
	rows, err := r.db.Query(ctx, memberDetailsQuery+" WHERE m.stokvel_id = $1 ORDER BY m.created_at, m.user_id", stokvelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.MemberDetails
	for rows.Next() {
		d, err := scanMemberDetails(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *d)
	}
	return members, rows.Err()
}

func grantColumn(kind domain.GrantKind) (string, error) {
	switch kind {
	case domain.GrantUserContribution:
		return "user_contribution_grant", nil
	case domain.GrantStokvelPayout:
		return "stokvel_payout_grant", nil
	case domain.GrantAdhoc:
		return "adhoc_grant", nil
	}
	return "", fmt.Errorf("unknown grant kind %q", kind)
}

// SaveGrant overwrites a grant bundle unconditionally.
func (r *PostgresRepository) SaveGrant(ctx context.Context, stokvelID, userID string, kind domain.GrantKind, grant domain.Grant) error {
	column, err := grantColumn(kind)
	if err != nil {
		return err
	}
	blob, err := encodeGrant(grant)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE stokvel_members SET %s = $3::jsonb, updated_at = NOW() WHERE stokvel_id = $1 AND user_id = $2`, column)
	tag, err := r.db.Exec(ctx, query, stokvelID, userID, blob)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMemberNotFound
	}
	return nil
}

// RotateGrant replaces a grant bundle if the stored token still matches expectedToken.
func (r *PostgresRepository) RotateGrant(ctx context.Context, stokvelID, userID string, kind domain.GrantKind, expectedToken string, next domain.Grant) error {
	column, err := grantColumn(kind)
	if err != nil {
		return err
	}
	blob, err := encodeGrant(next)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE stokvel_members
		SET %[1]s = $4::jsonb, updated_at = NOW()
		WHERE stokvel_id = $1 AND user_id = $2
		  AND COALESCE(%[1]s->>'continue_token', '') = $3
	`, column)
	tag, err := r.db.Exec(ctx, query, stokvelID, userID, expectedToken, blob)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindMember(ctx, stokvelID, userID); err != nil {
			return err
		}
		return domain.ErrGrantConflict
	}
	return nil
}

// SetMemberStatus updates a member's lifecycle status.
func (r *PostgresRepository) SetMemberStatus(ctx context.Context, stokvelID, userID string, status domain.MemberStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE stokvel_members SET active_status = $3, updated_at = NOW() WHERE stokvel_id = $1 AND user_id = $2`,
		stokvelID, userID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMemberNotFound
	}
	return nil
}

// SetInitialPayoutRequired toggles the initial 1-minor-unit payout flag.
func (r *PostgresRepository) SetInitialPayoutRequired(ctx context.Context, stokvelID, userID string, required bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE stokvel_members SET stokvel_initial_payout_required = $3, updated_at = NOW()
		WHERE stokvel_id = $1 AND user_id = $2
	`, stokvelID, userID, required)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMemberNotFound
	}
	return nil
}

// UpdateMemberContributionAmount changes a member's contribution, enforcing the stokvel minimum.
func (r *PostgresRepository) UpdateMemberContributionAmount(ctx context.Context, stokvelID, userID string, amount int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var minContribution int64
	err = tx.QueryRow(ctx, `
		SELECT s.min_contribution
		FROM stokvel_members m
		JOIN stokvels s ON s.stokvel_id = m.stokvel_id
		WHERE m.stokvel_id = $1 AND m.user_id = $2
		FOR UPDATE OF m
	`, stokvelID, userID).Scan(&minContribution)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrMemberNotFound
		}
		return err
	}
	if amount < minContribution {
		return domain.ErrContributionTooLow
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stokvel_members SET contribution_amount = $3, updated_at = NOW()
		WHERE stokvel_id = $1 AND user_id = $2
	`, stokvelID, userID, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LeaveStokvel marks the member as left, records the balance owed and frees a seat.
func (r *PostgresRepository) LeaveStokvel(ctx context.Context, stokvelID, userID string, adhocPayoutAmount int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var total int
	if err := tx.QueryRow(ctx, `SELECT total_members FROM stokvels WHERE stokvel_id = $1 FOR UPDATE`, stokvelID).Scan(&total); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrStokvelNotFound
		}
		return err
	}

	var status string
	err = tx.QueryRow(ctx, `SELECT active_status FROM stokvel_members WHERE stokvel_id = $1 AND user_id = $2 FOR UPDATE`,
		stokvelID, userID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrMemberNotFound
		}
		return err
	}
	if domain.MemberStatus(status) == domain.MemberLeft {
		return domain.ErrMemberNotActive
	}

	if _, err := tx.Exec(ctx, `
		UPDATE stokvel_members
		SET active_status = 'left', adhoc_payout_amount = $3, updated_at = NOW()
		WHERE stokvel_id = $1 AND user_id = $2
	`, stokvelID, userID, adhocPayoutAmount); err != nil {
		return err
	}
	if total > 0 {
		if _, err := tx.Exec(ctx, `UPDATE stokvels SET total_members = total_members - 1, updated_at = NOW() WHERE stokvel_id = $1`, stokvelID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// SubmitApplication validates and inserts a join request in one transaction.
func (r *PostgresRepository) SubmitApplication(ctx context.Context, app *domain.Application) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var minContribution int64
	var maxMembers, totalMembers int
	err = tx.QueryRow(ctx, `SELECT min_contribution, max_members, total_members FROM stokvels WHERE stokvel_id = $1 FOR UPDATE`,
		app.StokvelID).Scan(&minContribution, &maxMembers, &totalMembers)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ErrStokvelNotFound
		}
		return err
	}

	var isMember, hasOpen bool
	if err := tx.QueryRow(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM stokvel_members WHERE stokvel_id = $1 AND user_id = $2 AND active_status <> 'left'),
			EXISTS(SELECT 1 FROM applications WHERE stokvel_id = $1 AND user_id = $2 AND status = 'Submitted')
	`, app.StokvelID, app.UserID).Scan(&isMember, &hasOpen); err != nil {
		return err
	}
	switch {
	case isMember:
		return domain.ErrAlreadyMember
	case hasOpen:
		return domain.ErrDuplicateApplication
	case totalMembers >= maxMembers:
		return domain.ErrStokvelFull
	case app.ProposedContribution < minContribution:
		return domain.ErrContributionTooLow
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO applications (application_id, stokvel_id, user_id, proposed_contribution, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, app.ID, app.StokvelID, app.UserID, app.ProposedContribution, string(domain.ApplicationSubmitted), app.CreatedAt)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return domain.ErrDuplicateApplication
		}
		return err
	}
	return tx.Commit(ctx)
}

const applicationColumns = `application_id::text, stokvel_id::text, user_id::text, proposed_contribution, status, created_at, updated_at`

func scanApplication(row pgx.Row) (*domain.Application, error) {
	var (
		a      domain.Application
		status string
	)
	if err := row.Scan(&a.ID, &a.StokvelID, &a.UserID, &a.ProposedContribution, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.ApplicationStatus(status)
	return &a, nil
}

// FindApplication fetches an application by id.
func (r *PostgresRepository) FindApplication(ctx context.Context, applicationID string) (*domain.Application, error) {
	a, err := scanApplication(r.db.QueryRow(ctx, "SELECT "+applicationColumns+" FROM applications WHERE application_id = $1", applicationID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrApplicationNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListPendingApplications returns the submitted applications of a stokvel with applicant details.
func (r *PostgresRepository) ListPendingApplications(ctx context.Context, stokvelID string) ([]domain.ApplicationView, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.application_id::text, a.stokvel_id::text, a.user_id::text, a.proposed_contribution, a.status,
		       a.created_at, a.updated_at, u.phone_number, u.name, u.surname, s.name
		FROM applications a
		JOIN users u ON u.user_id = a.user_id
		JOIN stokvels s ON s.stokvel_id = a.stokvel_id
		WHERE a.stokvel_id = $1 AND a.status = 'Submitted'
		ORDER BY a.created_at
	`, stokvelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []domain.ApplicationView
	for rows.Next() {
		var (
			v      domain.ApplicationView
			status string
		)
		if err := rows.Scan(&v.ID, &v.StokvelID, &v.UserID, &v.ProposedContribution, &status, &v.CreatedAt, &v.UpdatedAt,
			&v.PhoneNumber, &v.Name, &v.Surname, &v.StokvelName); err != nil {
			return nil, err
		}
		v.Status = domain.ApplicationStatus(status)
		views = append(views, v)
	}
	return views, rows.Err()
}

// ApproveApplication admits the applicant as a pending member. The capacity check runs under
// the stokvel row lock; on a full stokvel the application stays Submitted.
func (r *PostgresRepository) ApproveApplication(ctx context.Context, applicationID string, at time.Time) (*domain.Member, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	app, err := scanApplication(tx.QueryRow(ctx, "SELECT "+applicationColumns+" FROM applications WHERE application_id = $1 FOR UPDATE", applicationID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrApplicationNotFound
		}
		return nil, err
	}
	if app.Status != domain.ApplicationSubmitted {
		return nil, domain.ErrApplicationClosed
	}

	var maxMembers, totalMembers int
	if err := tx.QueryRow(ctx, `SELECT max_members, total_members FROM stokvels WHERE stokvel_id = $1 FOR UPDATE`,
		app.StokvelID).Scan(&maxMembers, &totalMembers); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrStokvelNotFound
		}
		return nil, err
	}
	if totalMembers >= maxMembers {
		return nil, domain.ErrStokvelFull
	}

	var existing string
	err = tx.QueryRow(ctx, `SELECT active_status FROM stokvel_members WHERE stokvel_id = $1 AND user_id = $2 FOR UPDATE`,
		app.StokvelID, app.UserID).Scan(&existing)
	switch {
	case err == pgx.ErrNoRows:
		_, err = tx.Exec(ctx, `
			INSERT INTO stokvel_members (stokvel_id, user_id, contribution_amount, active_status, created_at, updated_at)
			VALUES ($1, $2, $3, 'pending', $4, $4)
		`, app.StokvelID, app.UserID, app.ProposedContribution, at)
	case err != nil:
		return nil, err
	case domain.MemberStatus(existing) != domain.MemberLeft:
		return nil, domain.ErrAlreadyMember
	default:
		_, err = tx.Exec(ctx, `
			UPDATE stokvel_members
			SET contribution_amount = $3, active_status = 'pending',
			    user_contribution_grant = '{}'::jsonb, stokvel_payout_grant = '{}'::jsonb,
			    stokvel_initial_payout_required = FALSE, adhoc_grant = NULL, adhoc_payout_amount = 0,
			    updated_at = $4
			WHERE stokvel_id = $1 AND user_id = $2
		`, app.StokvelID, app.UserID, app.ProposedContribution, at)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE applications SET status = 'Approved', updated_at = $2 WHERE application_id = $1`, applicationID, at); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `UPDATE stokvels SET total_members = total_members + 1, updated_at = $2 WHERE stokvel_id = $1`, app.StokvelID, at); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &domain.Member{
		StokvelID:          app.StokvelID,
		UserID:             app.UserID,
		ContributionAmount: app.ProposedContribution,
		Status:             domain.MemberPending,
		CreatedAt:          at,
		UpdatedAt:          at,
	}, nil
}

// DeclineApplication closes a submitted application.
func (r *PostgresRepository) DeclineApplication(ctx context.Context, applicationID string, at time.Time) (*domain.Application, error) {
	app, err := scanApplication(r.db.QueryRow(ctx, `
		UPDATE applications SET status = 'Declined', updated_at = $2
		WHERE application_id = $1 AND status = 'Submitted'
		RETURNING `+applicationColumns, applicationID, at))
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, findErr := r.FindApplication(ctx, applicationID); findErr != nil {
				return nil, findErr
			}
			return nil, domain.ErrApplicationClosed
		}
		return nil, err
	}
	return app, nil
}
