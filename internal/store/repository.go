/**
 * @description
 * Persistence contracts for the ACH service. The Batch/BatchItem tables are the
 * single source of truth for "has this order already been exported"; the
 * selection predicate and the open-item unique index both consult them.
 *
 * @dependencies
 * - github.com/google/uuid: batch and item identifiers.
 * - internal/domain: the service's domain models.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/ach-service/internal/domain"
)

var (
	ErrBatchNotFound      = errors.New("batch not found")
	ErrItemNotFound       = errors.New("batch item not found")
	ErrStatusConflict     = errors.New("batch status changed concurrently")
	ErrOrderAlreadyQueued = errors.New("order already attached to an open batch")
)

// ReturnFileRecord marks a processor return file as ingested.
type ReturnFileRecord struct {
	Name        string
	SHA256      string
	Returned    int
	Corrections int
	Unmatched   int
	ProcessedAt time.Time
}

// BatchRepository persists batches, items, the run lock and trace sequences.
type BatchRepository interface {
	AcquireRunLock(ctx context.Context, name, owner string, staleAfter time.Duration) (acquired bool, clearedStale bool, err error)
	ReleaseRunLock(ctx context.Context, name, owner string) error
	NextTraceSequence(ctx context.Context, odfi string) (int64, error)

	CreateBatchWithItems(ctx context.Context, batch *domain.Batch, items []domain.BatchItem) error
	MarkBatchUploaded(ctx context.Context, batchID uuid.UUID, attempts int, uploadedAt time.Time) error
	MarkBatchUploadFailed(ctx context.Context, batchID uuid.UUID, attempts int, lastError string) error
	ListRetryableBatches(ctx context.Context, maxAttempts int) ([]domain.Batch, error)
	GetBatch(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error)
	ListBatches(ctx context.Context, status string, limit, offset int) ([]domain.Batch, error)
	ListBatchItems(ctx context.Context, batchID uuid.UUID) ([]domain.BatchItem, error)

	FindItemByTraceNumber(ctx context.Context, traceNumber string) (*domain.BatchItem, error)
	MarkItemReturned(ctx context.Context, itemID uuid.UUID, code, reason string) (bool, error)
	ReturnFileProcessed(ctx context.Context, name string) (bool, error)
	RecordReturnFile(ctx context.Context, rec ReturnFileRecord) error

	ListSettleableBatches(ctx context.Context, uploadedBefore time.Time) ([]domain.Batch, error)
	MarkBatchSettled(ctx context.Context, batchID uuid.UUID, settledAt time.Time) ([]domain.BatchItem, error)
	DeleteSettledBatchesBefore(ctx context.Context, settledBefore time.Time) ([]domain.Batch, error)
}

// OrderRepository reads storefront orders through the narrow domain.Order
// contract.
type OrderRepository interface {
	ListEligibleOrders(ctx context.Context, paymentMethod, status string, limit int) ([]domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// VerificationRepository persists wizard sessions and handoff tokens.
type VerificationRepository interface {
	GetSession(ctx context.Context, orderID string) (*domain.VerificationSession, error)
	SaveSession(ctx context.Context, session *domain.VerificationSession) error
	ListIdleSessions(ctx context.Context, idleSince time.Time) ([]domain.VerificationSession, error)

	CreateHandoffToken(ctx context.Context, token domain.HandoffToken) error
	ConsumeHandoffToken(ctx context.Context, tokenHash string, now time.Time) (*domain.HandoffToken, error)
	RevokeHandoffTokens(ctx context.Context, orderID string, now time.Time) (int64, error)
	DeleteExpiredHandoffTokens(ctx context.Context, before time.Time) (int64, error)
}
