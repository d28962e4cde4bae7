/**
 * @description
 * Batch and BatchItem models tracked from NACHA file generation through upload,
 * settlement or return.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the lifecycle state of an exported ACH file.
type BatchStatus string

const (
	BatchPending      BatchStatus = "pending"
	BatchGenerated    BatchStatus = "generated"
	BatchUploaded     BatchStatus = "uploaded"
	BatchUploadFailed BatchStatus = "upload_failed"
	BatchSettled      BatchStatus = "settled"
)

// CanTransition enforces the monotonic batch lifecycle. upload_failed may only
// move to uploaded through a fresh upload attempt.
func (s BatchStatus) CanTransition(to BatchStatus) bool {
	switch s {
	case BatchPending:
		return to == BatchGenerated
	case BatchGenerated:
		return to == BatchUploaded || to == BatchUploadFailed
	case BatchUploadFailed:
		return to == BatchUploaded || to == BatchUploadFailed
	case BatchUploaded:
		return to == BatchSettled
	}
	return false
}

// ItemStatus is the lifecycle state of one payment entry.
type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemExported ItemStatus = "exported"
	ItemUploaded ItemStatus = "uploaded"
	ItemSettled  ItemStatus = "settled"
	ItemReturned ItemStatus = "returned"
)

// Terminal reports whether the item no longer holds its order.
func (s ItemStatus) Terminal() bool {
	return s == ItemSettled || s == ItemReturned
}

// Batch is one generated NACHA file.
type Batch struct {
	ID             uuid.UUID   `json:"id"`
	Status         BatchStatus `json:"status"`
	FilePath       string      `json:"file_path"`
	FileName       string      `json:"file_name"`
	OrderCount     int         `json:"order_count"`
	TotalDebit     int64       `json:"total_debit"`
	TotalCredit    int64       `json:"total_credit"`
	EntryHash      string      `json:"entry_hash"`
	BatchNumber    int         `json:"batch_number"`
	Manual         bool        `json:"manual"`
	UploadAttempts int         `json:"upload_attempts"`
	LastError      *string     `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	ExportedAt     *time.Time  `json:"exported_at,omitempty"`
	UploadedAt     *time.Time  `json:"uploaded_at,omitempty"`
	SettledAt      *time.Time  `json:"settled_at,omitempty"`
}

// BatchItem is one entry detail record inside a Batch.
type BatchItem struct {
	ID              uuid.UUID  `json:"id"`
	BatchID         uuid.UUID  `json:"batch_id"`
	OrderID         string     `json:"order_id"`
	TraceNumber     string     `json:"trace_number"`
	Amount          int64      `json:"amount"`
	TransactionCode string     `json:"transaction_code"`
	AccountLast4    string     `json:"account_last4"`
	Status          ItemStatus `json:"status"`
	ReturnCode      *string    `json:"return_code,omitempty"`
	ReturnReason    *string    `json:"return_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RunResult is reported by a batch export run.
type RunResult struct {
	Success    bool       `json:"success"`
	BatchID    *uuid.UUID `json:"batch_id,omitempty"`
	OrderCount int        `json:"order_count"`
	Errors     []string   `json:"errors"`
}

// RetryResult is reported per batch by a retry pass.
type RetryResult struct {
	BatchID  uuid.UUID   `json:"batch_id"`
	Status   BatchStatus `json:"status"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
}

// ReconcileResult summarizes one return-file polling pass.
type ReconcileResult struct {
	FilesProcessed []string `json:"files_processed"`
	Returned       int      `json:"returned"`
	Corrections    int      `json:"corrections"`
	Unmatched      []string `json:"unmatched"`
	Errors         []string `json:"errors"`
}

// SettlementResult summarizes a settlement pass.
type SettlementResult struct {
	BatchesSettled int      `json:"batches_settled"`
	ItemsSettled   int      `json:"items_settled"`
	Errors         []string `json:"errors"`
}
