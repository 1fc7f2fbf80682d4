package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stokvel/stokvel-service/internal/domain"
)

// InsertTransaction appends a ledger record. A duplicate (stokvel, user, type, date) is ignored
// and reported as false so that retried ticks stay idempotent.
func (r *PostgresRepository) InsertTransaction(ctx context.Context, t *domain.Transaction) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO transactions (tx_id, user_id, stokvel_id, amount, tx_type, tx_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT ON CONSTRAINT transactions_member_date_type_key DO NOTHING
	`, t.ID, t.UserID, t.StokvelID, t.Amount, string(t.Type), t.TxDate, t.CreatedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if t.Type == domain.TxDeposit {
		if _, err := tx.Exec(ctx, `
			UPDATE stokvels SET total_contributions = total_contributions + $2, updated_at = NOW()
			WHERE stokvel_id = $1
		`, t.StokvelID, t.Amount); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListTransactions returns the records matching filter ordered by date.
func (r *PostgresRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.StokvelID != "" {
		add("stokvel_id = $%d", filter.StokvelID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Type != "" {
		add("tx_type = $%d", string(filter.Type))
	}
	if filter.After != nil {
		add("tx_date > $%d", *filter.After)
	}
	if filter.Through != nil {
		add("tx_date <= $%d", *filter.Through)
	}

	query := `SELECT tx_id::text, user_id::text, stokvel_id::text, amount, tx_type, tx_date, created_at, updated_at FROM transactions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY tx_date, created_at"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var (
			t      domain.Transaction
			txType string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.StokvelID, &t.Amount, &txType, &t.TxDate, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Type = domain.TxType(txType)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// LastTransactionDate returns the latest tx_date of the given type, or nil when none exists.
// An empty userID spans every member of the stokvel.
func (r *PostgresRepository) LastTransactionDate(ctx context.Context, stokvelID, userID string, txType domain.TxType) (*time.Time, error) {
	var last *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(tx_date)
		FROM transactions
		WHERE stokvel_id = $1 AND tx_type = $2 AND ($3 = '' OR user_id::text = $3)
	`, stokvelID, string(txType), userID).Scan(&last)
	if err != nil {
		return nil, err
	}
	if last != nil {
		utc := last.UTC()
		last = &utc
	}
	return last, nil
}

// InsertInterest records a month's interest. An existing entry for the date is left untouched.
func (r *PostgresRepository) InsertInterest(ctx context.Context, entry domain.InterestEntry) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO interest (stokvel_id, interest_date, interest_value)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (stokvel_id, interest_date) DO NOTHING
	`, entry.StokvelID, entry.Date.UTC().Format("2006-01-02"), entry.InterestValue)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListInterest returns entries dated in (after, through], oldest first.
func (r *PostgresRepository) ListInterest(ctx context.Context, stokvelID string, after, through time.Time) ([]domain.InterestEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT stokvel_id::text, interest_date, interest_value
		FROM interest
		WHERE stokvel_id = $1 AND interest_date > $2::date AND interest_date <= $3::date
		ORDER BY interest_date
	`, stokvelID, after.UTC().Format("2006-01-02"), through.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.InterestEntry
	for rows.Next() {
		var e domain.InterestEntry
		if err := rows.Scan(&e.StokvelID, &e.Date, &e.InterestValue); err != nil {
			return nil, err
		}
		e.Date = e.Date.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const scheduleQuery = `
	SELECT sc.kind, sc.stokvel_id::text, sc.start_date, sc.previous_date, sc.next_date, sc.frequency, s.end_date
	FROM stokvel_schedules sc
	JOIN stokvels s ON s.stokvel_id = sc.stokvel_id
`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var (
		sc              domain.Schedule
		kind, frequency string
	)
	if err := row.Scan(&kind, &sc.StokvelID, &sc.StartDate, &sc.PreviousDate, &sc.NextDate, &frequency, &sc.EndDate); err != nil {
		return nil, err
	}
	sc.Kind = domain.ScheduleKind(kind)
	sc.Frequency = domain.Period(frequency)
	sc.StartDate = sc.StartDate.UTC()
	sc.NextDate = sc.NextDate.UTC()
	sc.EndDate = sc.EndDate.UTC()
	if sc.PreviousDate != nil {
		prev := sc.PreviousDate.UTC()
		sc.PreviousDate = &prev
	}
	return &sc, nil
}

// ListDueSchedules returns schedules of kind whose next date has been reached and which have
// not run past the stokvel's end date.
func (r *PostgresRepository) ListDueSchedules(ctx context.Context, kind domain.ScheduleKind, now time.Time) ([]domain.Schedule, error) {
	rows, err := r.db.Query(ctx, scheduleQuery+`
		WHERE sc.kind = $1 AND sc.next_date <= $2
		  AND (
			(sc.kind = 'contribution' AND sc.next_date < s.end_date)
			OR (sc.kind = 'payout' AND sc.next_date <= s.end_date)
		  )
		ORDER BY sc.next_date, sc.stokvel_id
	`, string(kind), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

// FindSchedule fetches one schedule.
func (r *PostgresRepository) FindSchedule(ctx context.Context, kind domain.ScheduleKind, stokvelID string) (*domain.Schedule, error) {
	sc, err := scanSchedule(r.db.QueryRow(ctx, scheduleQuery+" WHERE sc.kind = $1 AND sc.stokvel_id = $2", string(kind), stokvelID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, err
	}
	return sc, nil
}

// AdvanceSchedule moves the schedule forward only if nobody else advanced it since it was read.
func (r *PostgresRepository) AdvanceSchedule(ctx context.Context, kind domain.ScheduleKind, stokvelID string, expectedNext time.Time, next domain.Schedule) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE stokvel_schedules
		SET previous_date = $4, next_date = $5, updated_at = NOW()
		WHERE kind = $1 AND stokvel_id = $2 AND next_date = $3
	`, string(kind), stokvelID, expectedNext, next.PreviousDate, next.NextDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindSchedule(ctx, kind, stokvelID); err != nil {
			return err
		}
		return domain.ErrScheduleConflict
	}
	return nil
}
