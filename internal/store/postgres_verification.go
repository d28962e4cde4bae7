package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/transfa/ach-service/internal/domain"
)

// GetSession loads the wizard session for an order.
func (r *PostgresRepository) GetSession(ctx context.Context, orderID string) (*domain.VerificationSession, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT state FROM verification_sessions WHERE order_id = $1`, orderID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	var session domain.VerificationSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode verification session: %w", err)
	}
	return &session, nil
}

// SaveSession upserts the session document.
func (r *PostgresRepository) SaveSession(ctx context.Context, session *domain.VerificationSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode verification session: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO verification_sessions (order_id, customer_id, state, cancelled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO UPDATE
		SET state = EXCLUDED.state, cancelled = EXCLUDED.cancelled, updated_at = EXCLUDED.updated_at
	`, session.OrderID, session.CustomerID, raw, session.Cancelled, session.CreatedAt, session.UpdatedAt)
	return err
}

// ListIdleSessions returns open, unsubmitted sessions untouched since idleSince.
func (r *PostgresRepository) ListIdleSessions(ctx context.Context, idleSince time.Time) ([]domain.VerificationSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT state FROM verification_sessions
		WHERE cancelled = FALSE
			AND updated_at < $1
			AND (state->>'current_step')::int < $2
		ORDER BY updated_at ASC
	`, idleSince, int(domain.StepSubmitted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.VerificationSession
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var s domain.VerificationSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode verification session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CreateHandoffToken stores a minted token by hash.
func (r *PostgresRepository) CreateHandoffToken(ctx context.Context, token domain.HandoffToken) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO handoff_tokens (token_hash, order_id, customer_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.TokenHash, token.OrderID, token.CustomerID, token.ExpiresAt, token.CreatedAt)
	return err
}

// ConsumeHandoffToken marks the token used in a single statement so two
// devices can never both consume it.
func (r *PostgresRepository) ConsumeHandoffToken(ctx context.Context, tokenHash string, now time.Time) (*domain.HandoffToken, error) {
	var t domain.HandoffToken
	err := r.db.QueryRow(ctx, `
		UPDATE handoff_tokens SET consumed_at = $2
		WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING token_hash, order_id, customer_id, expires_at, consumed_at, created_at
	`, tokenHash, now).Scan(&t.TokenHash, &t.OrderID, &t.CustomerID, &t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("consume handoff token: %w", err)
	}

	var (
		expiresAt  time.Time
		consumedAt *time.Time
	)
	err = r.db.QueryRow(ctx, `
		SELECT expires_at, consumed_at FROM handoff_tokens WHERE token_hash = $1
	`, tokenHash).Scan(&expiresAt, &consumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, err
	}
	return nil, classifyTokenFailure(expiresAt, consumedAt, now)
}

func classifyTokenFailure(expiresAt time.Time, consumedAt *time.Time, now time.Time) error {
	if consumedAt != nil {
		return domain.ErrTokenAlreadyUsed
	}
	if !expiresAt.After(now) {
		return domain.ErrTokenExpired
	}
	return domain.ErrTokenNotFound
}

// RevokeHandoffTokens marks every outstanding token for the order as consumed.
func (r *PostgresRepository) RevokeHandoffTokens(ctx context.Context, orderID string, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE handoff_tokens SET consumed_at = $2
		WHERE order_id = $1 AND consumed_at IS NULL
	`, orderID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke handoff tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredHandoffTokens purges tokens that expired before the cutoff.
func (r *PostgresRepository) DeleteExpiredHandoffTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM handoff_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
