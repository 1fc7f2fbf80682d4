package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stokvel/stokvel-service/internal/domain"
)

const otpColumns = `id, phone_number, code_hash, created_at, expires_at, verified, verified_at`

func scanOTP(row pgx.Row) (*domain.OTP, error) {
	var o domain.OTP
	if err := row.Scan(&o.ID, &o.PhoneNumber, &o.CodeHash, &o.CreatedAt, &o.ExpiresAt, &o.Verified, &o.VerifiedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// InsertOTP stores a new code and sets its generated id.
func (r *PostgresRepository) InsertOTP(ctx context.Context, otp *domain.OTP) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO otps (phone_number, code_hash, created_at, expires_at, verified)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING id
	`, otp.PhoneNumber, otp.CodeHash, otp.CreatedAt, otp.ExpiresAt).Scan(&otp.ID)
}

// LatestUnverifiedOTP returns the most recent unverified code, which is the only active one.
func (r *PostgresRepository) LatestUnverifiedOTP(ctx context.Context, phone string) (*domain.OTP, error) {
	return r.latestOTP(ctx, phone, false)
}

// LatestVerifiedOTP returns the most recently verified code.
func (r *PostgresRepository) LatestVerifiedOTP(ctx context.Context, phone string) (*domain.OTP, error) {
	return r.latestOTP(ctx, phone, true)
}

func (r *PostgresRepository) latestOTP(ctx context.Context, phone string, verified bool) (*domain.OTP, error) {
	otp, err := scanOTP(r.db.QueryRow(ctx, "SELECT "+otpColumns+`
		FROM otps
		WHERE phone_number = $1 AND verified = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, phone, verified))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrOTPNotFound
		}
		return nil, err
	}
	return otp, nil
}

// MarkOTPVerified flags a code as used.
func (r *PostgresRepository) MarkOTPVerified(ctx context.Context, otpID int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE otps SET verified = TRUE, verified_at = $2 WHERE id = $1`, otpID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOTPNotFound
	}
	return nil
}

// GetConversationState returns the stored state, or an empty one for unknown numbers.
func (r *PostgresRepository) GetConversationState(ctx context.Context, phone string) (*domain.ConversationState, error) {
	var (
		state     = domain.ConversationState{PhoneNumber: phone}
		selection *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT stack, current_stokvel_selection::text, last_interaction
		FROM conversation_states
		WHERE phone_number = $1
	`, phone).Scan(&state.Stack, &selection, &state.LastInteraction)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &state, nil
		}
		return nil, err
	}
	if selection != nil {
		state.CurrentStokvelSelection = *selection
	}
	return &state, nil
}

// PushState appends a tag to the phone's stack.
func (r *PostgresRepository) PushState(ctx context.Context, phone, tag string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversation_states (phone_number, stack, last_interaction)
		VALUES ($1, ARRAY[$2::text], $3)
		ON CONFLICT (phone_number)
		DO UPDATE SET stack = array_append(conversation_states.stack, $2::text), last_interaction = $3
	`, phone, tag, at)
	return err
}

// PopState drops the top of the stack. Popping an empty stack is a no-op.
func (r *PostgresRepository) PopState(ctx context.Context, phone string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversation_states
		SET stack = CASE WHEN cardinality(stack) > 0 THEN stack[1:cardinality(stack) - 1] ELSE stack END,
		    last_interaction = $2
		WHERE phone_number = $1
	`, phone, at)
	return err
}

// ResetState replaces the stack with a single tag (or empties it) and clears the selection.
func (r *PostgresRepository) ResetState(ctx context.Context, phone, tag string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversation_states (phone_number, stack, current_stokvel_selection, last_interaction)
		VALUES ($1, CASE WHEN $2::text = '' THEN '{}'::text[] ELSE ARRAY[$2::text] END, NULL, $3)
		ON CONFLICT (phone_number)
		DO UPDATE SET stack = EXCLUDED.stack, current_stokvel_selection = NULL, last_interaction = $3
	`, phone, tag, at)
	return err
}

// SetStokvelSelection records the stokvel the user is acting on. An empty id clears it.
func (r *PostgresRepository) SetStokvelSelection(ctx context.Context, phone, stokvelID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversation_states (phone_number, stack, current_stokvel_selection, last_interaction)
		VALUES ($1, '{}'::text[], NULLIF($2::text, '')::uuid, $3)
		ON CONFLICT (phone_number)
		DO UPDATE SET current_stokvel_selection = EXCLUDED.current_stokvel_selection, last_interaction = $3
	`, phone, stokvelID, at)
	return err
}

// EnqueueOutboxMessage stores an event for the dispatcher to publish.
func (r *PostgresRepository) EnqueueOutboxMessage(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimOutboxMessages leases a batch of pending messages, reclaiming ones stuck in processing.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         domain.OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished completes a claimed message.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

// MarkOutboxFailed returns a claimed message to pending with a retry delay.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}
