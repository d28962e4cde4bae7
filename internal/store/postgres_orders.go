/**
 * @description
 * Storefront orders read through the narrow domain.Order contract. Status and
 * meta changes are buffered on the order and written by Save.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ach-service/internal/domain"
)

// PostgresOrder implements domain.Order on the orders/order_meta tables.
type PostgresOrder struct {
	db *pgxpool.Pool

	id            string
	paymentMethod string
	status        string
	total         string
	createdAt     time.Time
	meta          map[string]string

	statusChanged bool
	dirtyMeta     map[string]bool
	notes         []string
}

func newPostgresOrder(db *pgxpool.Pool) *PostgresOrder {
	return &PostgresOrder{db: db, meta: map[string]string{}, dirtyMeta: map[string]bool{}}
}

func (o *PostgresOrder) GetID() string            { return o.id }
func (o *PostgresOrder) GetPaymentMethod() string { return o.paymentMethod }
func (o *PostgresOrder) GetStatus() string        { return o.status }
func (o *PostgresOrder) GetTotal() string         { return o.total }
func (o *PostgresOrder) GetCreatedAt() time.Time  { return o.createdAt }
func (o *PostgresOrder) GetMeta(key string) string {
	return o.meta[key]
}

// SetStatus changes the status and queues an order note.
func (o *PostgresOrder) SetStatus(status, note string) {
	if status != o.status {
		o.status = status
		o.statusChanged = true
	}
	if note != "" {
		o.notes = append(o.notes, note)
	}
}

// SetMeta sets a meta value. An empty value deletes the key on Save.
func (o *PostgresOrder) SetMeta(key, value string) {
	if o.meta[key] == value {
		return
	}
	o.meta[key] = value
	o.dirtyMeta[key] = true
}

// Save writes buffered changes in one transaction.
func (o *PostgresOrder) Save(ctx context.Context) error {
	if !o.statusChanged && len(o.dirtyMeta) == 0 && len(o.notes) == 0 {
		return nil
	}

	tx, err := o.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin order tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if o.statusChanged {
		tag, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1`, o.id, o.status)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrOrderNotFound
		}
	}

	for key := range o.dirtyMeta {
		value := o.meta[key]
		if value == "" {
			if _, err := tx.Exec(ctx, `DELETE FROM order_meta WHERE order_id = $1 AND meta_key = $2`, o.id, key); err != nil {
				return fmt.Errorf("delete order meta %s: %w", key, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_meta (order_id, meta_key, meta_value) VALUES ($1, $2, $3)
			ON CONFLICT (order_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value
		`, o.id, key, value); err != nil {
			return fmt.Errorf("upsert order meta %s: %w", key, err)
		}
	}

	for _, note := range o.notes {
		if _, err := tx.Exec(ctx, `INSERT INTO order_notes (order_id, note) VALUES ($1, $2)`, o.id, note); err != nil {
			return fmt.Errorf("insert order note: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	o.statusChanged = false
	o.dirtyMeta = map[string]bool{}
	o.notes = nil
	return nil
}

// ListEligibleOrders selects verified ACH orders that no open batch item holds
// and that carry no batch id, oldest first.
func (r *PostgresRepository) ListEligibleOrders(ctx context.Context, paymentMethod, status string, limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT o.id, o.payment_method, o.status, o.total::text, o.created_at
		FROM orders o
		JOIN order_meta v
			ON v.order_id = o.id AND v.meta_key = $3 AND v.meta_value = $4
		WHERE o.payment_method = $1
			AND o.status = $2
			AND NOT EXISTS (
				SELECT 1 FROM order_meta b
				WHERE b.order_id = o.id AND b.meta_key = $5 AND b.meta_value <> ''
			)
			AND NOT EXISTS (
				SELECT 1 FROM ach_batch_items i
				WHERE i.order_id = o.id AND i.status IN ($6, $7, $8)
			)
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT $9
	`,
		paymentMethod, status,
		domain.MetaVerificationStatus, domain.VerificationVerified,
		domain.MetaBatchID,
		domain.ItemPending, domain.ItemExported, domain.ItemUploaded,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select eligible orders: %w", err)
	}
	defer rows.Close()

	var orders []*PostgresOrder
	for rows.Next() {
		o := newPostgresOrder(r.db)
		if err := rows.Scan(&o.id, &o.paymentMethod, &o.status, &o.total, &o.createdAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Order, 0, len(orders))
	for _, o := range orders {
		if err := r.loadMeta(ctx, o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// GetOrder loads one order with its meta.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	o := newPostgresOrder(r.db)
	err := r.db.QueryRow(ctx, `
		SELECT id, payment_method, status, total::text, created_at FROM orders WHERE id = $1
	`, orderID).Scan(&o.id, &o.paymentMethod, &o.status, &o.total, &o.createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	if err := r.loadMeta(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PostgresRepository) loadMeta(ctx context.Context, o *PostgresOrder) error {
	rows, err := r.db.Query(ctx, `SELECT meta_key, meta_value FROM order_meta WHERE order_id = $1`, o.id)
	if err != nil {
		return fmt.Errorf("load order meta: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		o.meta[key] = value
	}
	return rows.Err()
}
