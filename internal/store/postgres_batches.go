/**
 * @description
 * PostgreSQL implementation of BatchRepository: batches, items, the exclusive
 * run lock and the per-ODFI trace sequence.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver (pgxpool, pgconn error codes).
 * - internal/domain: batch models.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/ach-service/internal/domain"
)

const (
	pgUniqueViolation = "23505"
	openOrderIndex    = "ach_batch_items_open_order_idx"
)

// PostgresRepository implements the store contracts on a pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// AcquireRunLock takes the named lock. A lock held longer than staleAfter is
// treated as abandoned and taken over; clearedStale reports that case.
func (r *PostgresRepository) AcquireRunLock(ctx context.Context, name, owner string, staleAfter time.Duration) (bool, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, false, fmt.Errorf("begin run lock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert, err := tx.Exec(ctx, `
		INSERT INTO ach_run_locks (name, owner, acquired_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO NOTHING
	`, name, owner)
	if err != nil {
		return false, false, fmt.Errorf("insert run lock: %w", err)
	}
	if insert.RowsAffected() == 1 {
		return true, false, tx.Commit(ctx)
	}

	var (
		heldBy     string
		acquiredAt time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT owner, acquired_at FROM ach_run_locks WHERE name = $1 FOR UPDATE
	`, name).Scan(&heldBy, &acquiredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Released between the insert and the select; the caller retries on the next trigger.
			return false, false, nil
		}
		return false, false, fmt.Errorf("load run lock: %w", err)
	}

	if time.Since(acquiredAt) < staleAfter {
		return false, false, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ach_run_locks SET owner = $2, acquired_at = NOW() WHERE name = $1
	`, name, owner); err != nil {
		return false, false, fmt.Errorf("reclaim stale run lock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, false, err
	}
	return true, true, nil
}

// ReleaseRunLock drops the lock if owner still holds it.
func (r *PostgresRepository) ReleaseRunLock(ctx context.Context, name, owner string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM ach_run_locks WHERE name = $1 AND owner = $2`, name, owner)
	return err
}

// NextTraceSequence allocates the next sequence number for odfi. The update
// commits on its own so a skipped order never gives its number back.
func (r *PostgresRepository) NextTraceSequence(ctx context.Context, odfi string) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO ach_trace_sequences (odfi, last_sequence)
		VALUES ($1, 1)
		ON CONFLICT (odfi) DO UPDATE SET last_sequence = ach_trace_sequences.last_sequence + 1
		RETURNING last_sequence
	`, odfi).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("allocate trace sequence: %w", err)
	}
	return seq, nil
}

// CreateBatchWithItems inserts a generated batch and its items atomically.
func (r *PostgresRepository) CreateBatchWithItems(ctx context.Context, batch *domain.Batch, items []domain.BatchItem) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO ach_batches (
			id, status, file_path, file_name, order_count, total_debit, total_credit,
			entry_hash, batch_number, manual, upload_attempts, created_at, exported_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		batch.ID, batch.Status, batch.FilePath, batch.FileName, batch.OrderCount,
		batch.TotalDebit, batch.TotalCredit, batch.EntryHash, batch.BatchNumber,
		batch.Manual, batch.UploadAttempts, batch.CreatedAt, batch.ExportedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	rows := make([][]any, 0, len(items))
	for _, item := range items {
		rows = append(rows, []any{
			item.ID, item.BatchID, item.OrderID, item.TraceNumber, item.Amount,
			item.TransactionCode, item.AccountLast4, string(item.Status), item.CreatedAt, item.UpdatedAt,
		})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"ach_batch_items"},
		[]string{"id", "batch_id", "order_id", "trace_number", "amount", "transaction_code", "account_last4", "status", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		if isUniqueViolation(err, openOrderIndex) {
			return ErrOrderAlreadyQueued
		}
		return fmt.Errorf("insert batch items: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkBatchUploaded moves a generated or failed batch and its exported items
// to uploaded.
func (r *PostgresRepository) MarkBatchUploaded(ctx context.Context, batchID uuid.UUID, attempts int, uploadedAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upload tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE ach_batches
		SET status = $2, upload_attempts = $3, uploaded_at = $4, last_error = NULL
		WHERE id = $1 AND status IN ($5, $6)
	`, batchID, domain.BatchUploaded, attempts, uploadedAt, domain.BatchGenerated, domain.BatchUploadFailed)
	if err != nil {
		return fmt.Errorf("mark batch uploaded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ach_batch_items SET status = $2, updated_at = $3
		WHERE batch_id = $1 AND status = $4
	`, batchID, domain.ItemUploaded, uploadedAt, domain.ItemExported); err != nil {
		return fmt.Errorf("mark items uploaded: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkBatchUploadFailed records a failed attempt. Items stay exported so the
// orders are never selected again.
func (r *PostgresRepository) MarkBatchUploadFailed(ctx context.Context, batchID uuid.UUID, attempts int, lastError string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE ach_batches
		SET status = $2, upload_attempts = $3, last_error = $4
		WHERE id = $1 AND status IN ($5, $6)
	`, batchID, domain.BatchUploadFailed, attempts, lastError, domain.BatchGenerated, domain.BatchUploadFailed)
	if err != nil {
		return fmt.Errorf("mark batch upload failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

const batchColumns = `
	id, status, file_path, file_name, order_count, total_debit, total_credit, entry_hash,
	batch_number, manual, upload_attempts, last_error, created_at, exported_at, uploaded_at, settled_at
`

func scanBatch(row pgx.Row) (domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(
		&b.ID, &b.Status, &b.FilePath, &b.FileName, &b.OrderCount, &b.TotalDebit, &b.TotalCredit,
		&b.EntryHash, &b.BatchNumber, &b.Manual, &b.UploadAttempts, &b.LastError,
		&b.CreatedAt, &b.ExportedAt, &b.UploadedAt, &b.SettledAt,
	)
	return b, err
}

func (r *PostgresRepository) queryBatches(ctx context.Context, query string, args ...any) ([]domain.Batch, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ListRetryableBatches returns failed batches with attempts left, oldest first.
func (r *PostgresRepository) ListRetryableBatches(ctx context.Context, maxAttempts int) ([]domain.Batch, error) {
	return r.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM ach_batches
		WHERE status = $1 AND upload_attempts < $2
		ORDER BY created_at ASC
	`, domain.BatchUploadFailed, maxAttempts)
}

// GetBatch loads one batch.
func (r *PostgresRepository) GetBatch(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	b, err := scanBatch(r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM ach_batches WHERE id = $1`, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ListBatches pages batches newest first, optionally filtered by status.
func (r *PostgresRepository) ListBatches(ctx context.Context, status string, limit, offset int) ([]domain.Batch, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return r.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM ach_batches
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
}

const itemColumns = `
	id, batch_id, order_id, trace_number, amount, transaction_code, account_last4,
	status, return_code, return_reason, created_at, updated_at
`

func scanItem(row pgx.Row) (domain.BatchItem, error) {
	var it domain.BatchItem
	err := row.Scan(
		&it.ID, &it.BatchID, &it.OrderID, &it.TraceNumber, &it.Amount, &it.TransactionCode,
		&it.AccountLast4, &it.Status, &it.ReturnCode, &it.ReturnReason, &it.CreatedAt, &it.UpdatedAt,
	)
	return it, err
}

func collectItems(rows pgx.Rows) ([]domain.BatchItem, error) {
	defer rows.Close()
	var items []domain.BatchItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListBatchItems returns a batch's items in trace order.
func (r *PostgresRepository) ListBatchItems(ctx context.Context, batchID uuid.UUID) ([]domain.BatchItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+itemColumns+` FROM ach_batch_items WHERE batch_id = $1 ORDER BY trace_number
	`, batchID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// FindItemByTraceNumber matches a return entry to the item it reverses.
func (r *PostgresRepository) FindItemByTraceNumber(ctx context.Context, traceNumber string) (*domain.BatchItem, error) {
	it, err := scanItem(r.db.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM ach_batch_items WHERE trace_number = $1
	`, traceNumber))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &it, nil
}

// MarkItemReturned records a return and reports whether the item changed.
// Repeating it for a returned item is a no-op that reports false.
func (r *PostgresRepository) MarkItemReturned(ctx context.Context, itemID uuid.UUID, code, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE ach_batch_items
		SET status = $2, return_code = $3, return_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status <> $2
	`, itemID, domain.ItemReturned, code, reason)
	if err != nil {
		return false, fmt.Errorf("mark item returned: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReturnFileProcessed reports whether a return file was already ingested.
func (r *PostgresRepository) ReturnFileProcessed(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ach_return_files WHERE name = $1)`, name).Scan(&exists)
	return exists, err
}

// RecordReturnFile marks a return file as ingested.
func (r *PostgresRepository) RecordReturnFile(ctx context.Context, rec ReturnFileRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ach_return_files (name, sha256, returned, corrections, unmatched, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO NOTHING
	`, rec.Name, rec.SHA256, rec.Returned, rec.Corrections, rec.Unmatched, rec.ProcessedAt)
	return err
}

// ListSettleableBatches returns uploaded batches past the return window.
func (r *PostgresRepository) ListSettleableBatches(ctx context.Context, uploadedBefore time.Time) ([]domain.Batch, error) {
	return r.queryBatches(ctx, `
		SELECT `+batchColumns+` FROM ach_batches
		WHERE status = $1 AND uploaded_at < $2
		ORDER BY uploaded_at ASC
	`, domain.BatchUploaded, uploadedBefore)
}

// MarkBatchSettled settles a batch and returns the items that moved to
// settled. Returned items are left alone.
func (r *PostgresRepository) MarkBatchSettled(ctx context.Context, batchID uuid.UUID, settledAt time.Time) ([]domain.BatchItem, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin settle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE ach_batches SET status = $2, settled_at = $3 WHERE id = $1 AND status = $4
	`, batchID, domain.BatchSettled, settledAt, domain.BatchUploaded)
	if err != nil {
		return nil, fmt.Errorf("mark batch settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStatusConflict
	}

	rows, err := tx.Query(ctx, `
		UPDATE ach_batch_items SET status = $2, updated_at = $3
		WHERE batch_id = $1 AND status = $4
		RETURNING `+itemColumns, batchID, domain.ItemSettled, settledAt, domain.ItemUploaded)
	if err != nil {
		return nil, fmt.Errorf("mark items settled: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

// DeleteSettledBatchesBefore removes settled batches past retention and
// returns them so their files can be deleted.
func (r *PostgresRepository) DeleteSettledBatchesBefore(ctx context.Context, settledBefore time.Time) ([]domain.Batch, error) {
	return r.queryBatches(ctx, `
		DELETE FROM ach_batches WHERE status = $1 AND settled_at < $2
		RETURNING `+batchColumns, domain.BatchSettled, settledBefore)
}
