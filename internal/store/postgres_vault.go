package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/transfa/ach-service/internal/security"
)

// PutSecureValue upserts an envelope. The vault never sees plaintext.
func (r *PostgresRepository) PutSecureValue(ctx context.Context, ref security.ValueRef, env security.Envelope) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO secure_values (id, owner_type, owner_id, field, envelope)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_type, owner_id, field)
		DO UPDATE SET envelope = EXCLUDED.envelope, updated_at = NOW()
	`, uuid.New(), ref.OwnerType, ref.OwnerID, ref.Field, string(env))
	if err != nil {
		return fmt.Errorf("upsert secure value: %w", err)
	}
	return nil
}

// GetSecureValue loads one envelope.
func (r *PostgresRepository) GetSecureValue(ctx context.Context, ref security.ValueRef) (security.Envelope, error) {
	var env string
	err := r.db.QueryRow(ctx, `
		SELECT envelope FROM secure_values WHERE owner_type = $1 AND owner_id = $2 AND field = $3
	`, ref.OwnerType, ref.OwnerID, ref.Field).Scan(&env)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", security.ErrValueNotFound
		}
		return "", err
	}
	return security.Envelope(env), nil
}

// DeleteSecureValue removes one envelope.
func (r *PostgresRepository) DeleteSecureValue(ctx context.Context, ref security.ValueRef) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM secure_values WHERE owner_type = $1 AND owner_id = $2 AND field = $3
	`, ref.OwnerType, ref.OwnerID, ref.Field)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return security.ErrValueNotFound
	}
	return nil
}

// ListSecureValues returns every stored envelope for key rotation.
func (r *PostgresRepository) ListSecureValues(ctx context.Context) ([]security.StoredValue, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, owner_type, owner_id, field, envelope FROM secure_values ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []security.StoredValue
	for rows.Next() {
		var (
			id  uuid.UUID
			v   security.StoredValue
			env string
		)
		if err := rows.Scan(&id, &v.Ref.OwnerType, &v.Ref.OwnerID, &v.Ref.Field, &env); err != nil {
			return nil, err
		}
		v.ID = id.String()
		v.Envelope = security.Envelope(env)
		values = append(values, v)
	}
	return values, rows.Err()
}

// ReplaceSecureValue swaps one envelope only if it still holds previous.
func (r *PostgresRepository) ReplaceSecureValue(ctx context.Context, id string, previous, next security.Envelope) error {
	valueID, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid secure value id: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE secure_values SET envelope = $3, updated_at = NOW()
		WHERE id = $1 AND envelope = $2
	`, valueID, string(previous), string(next))
	if err != nil {
		return fmt.Errorf("replace secure value: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}
