/**
 * @description
 * Batch runner: selects verified ACH orders, builds the NACHA file, stores it,
 * uploads it and tracks every batch through upload, retry, return and
 * settlement. Every mutating pass serializes through one database run lock,
 * whether it was fired by the scheduler or by an operator.
 *
 * @dependencies
 * - github.com/shopspring/decimal: order totals to integer cents.
 * - github.com/google/uuid: batch, item and lock owner identifiers.
 * - pkg/nacha: file encoding and return-file parsing.
 */
package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/transfa/ach-service/internal/config"
	"github.com/transfa/ach-service/internal/domain"
	"github.com/transfa/ach-service/internal/storage"
	"github.com/transfa/ach-service/internal/store"
	"github.com/transfa/ach-service/internal/transport"
	"github.com/transfa/ach-service/internal/validation"
	"github.com/transfa/ach-service/pkg/nacha"
)

const runLockName = "ach_batch_run"

// BankDetailsSource decrypts bank details on use and clears them after settlement.
type BankDetailsSource interface {
	GetBankDetails(ctx context.Context, orderID string) (domain.BankDetails, error)
	ClearBankDetails(ctx context.Context, orderID string) error
}

// Runner owns the batch lifecycle.
type Runner struct {
	batches   store.BatchRepository
	orders    store.OrderRepository
	secrets   BankDetailsSource
	files     *storage.FileStore
	transport transport.Transport
	audit     domain.AuditLogger
	events    domain.EventPublisher
	logger    *slog.Logger
	cfg       *config.Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	owner string
}

// NewRunner wires a Runner.
func NewRunner(
	batches store.BatchRepository,
	orders store.OrderRepository,
	secrets BankDetailsSource,
	files *storage.FileStore,
	tr transport.Transport,
	audit domain.AuditLogger,
	events domain.EventPublisher,
	logger *slog.Logger,
	cfg *config.Config,
) *Runner {
	host, _ := os.Hostname()
	return &Runner{
		batches:   batches,
		orders:    orders,
		secrets:   secrets,
		files:     files,
		transport: tr,
		audit:     audit,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepContext,
		owner:     fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withLock runs fn while holding the run lock. Contention returns
// domain.ErrLockContention without calling fn.
func (r *Runner) withLock(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	owner := r.owner + ":" + uuid.NewString()
	acquired, clearedStale, err := r.batches.AcquireRunLock(ctx, runLockName, owner, r.cfg.ACH.LockStaleAfter)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		r.logger.Info("run lock held by another process; skipping", "operation", op)
		return domain.ErrLockContention
	}
	if clearedStale {
		r.logger.Warn("cleared stale run lock", "operation", op, "stale_after", r.cfg.ACH.LockStaleAfter.String())
		r.audit.Log(ctx, "run_lock.stale_cleared", "lock", runLockName, map[string]any{"operation": op})
	}
	defer func() {
		if err := r.batches.ReleaseRunLock(context.WithoutCancel(ctx), runLockName, owner); err != nil {
			r.logger.Error("failed to release run lock", "operation", op, "error", err)
		}
	}()
	return fn(ctx)
}

// Run exports every eligible order into one NACHA file and uploads it.
// Scheduled triggers pass manual=false; operators pass manual=true.
func (r *Runner) Run(ctx context.Context, manual bool) domain.RunResult {
	trigger := "scheduled"
	if manual {
		trigger = "manual"
	}
	timer := time.Now()
	defer func() { batchRunDuration.WithLabelValues(trigger).Observe(time.Since(timer).Seconds()) }()

	result := domain.RunResult{Errors: []string{}}
	err := r.withLock(ctx, "run", func(ctx context.Context) error {
		if err := r.cfg.RunPreflight(); err != nil {
			return err
		}
		return r.export(ctx, manual, &result)
	})
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, err.Error())
		outcome := "failed"
		if errors.Is(err, domain.ErrLockContention) {
			outcome = "lock_contention"
		}
		batchRunsTotal.WithLabelValues(trigger, outcome).Inc()
		r.logger.Error("batch run failed", "manual", manual, "error", err)
		return result
	}

	result.Success = true
	outcome := "exported"
	if result.BatchID == nil {
		outcome = "empty"
	}
	batchRunsTotal.WithLabelValues(trigger, outcome).Inc()
	r.logger.Info("batch run finished", "manual", manual, "order_count", result.OrderCount, "errors", len(result.Errors))
	return result
}

type pendingEntry struct {
	order domain.Order
	entry nacha.Entry
	item  domain.BatchItem
	last4 string
	kind  domain.AccountType
}

func (r *Runner) export(ctx context.Context, manual bool, result *domain.RunResult) error {
	orders, err := r.orders.ListEligibleOrders(ctx, r.cfg.ACH.PaymentMethod, r.cfg.ACH.EligibleStatus, r.cfg.ACH.MaxEntriesPerFile)
	if err != nil {
		return fmt.Errorf("select eligible orders: %w", err)
	}
	if len(orders) == 0 {
		r.logger.Info("no eligible orders")
		return nil
	}
	r.logger.Info("selected eligible orders", "count", len(orders))

	now := r.now().In(r.cfg.Location())
	batchID := uuid.New()
	odfi := r.cfg.NACHA.OriginatingDFI

	pending := make([]pendingEntry, 0, len(orders))
	for _, order := range orders {
		p, err := r.buildEntry(ctx, order, batchID, odfi, now)
		if err != nil {
			if errors.Is(err, errSequenceAllocation) {
				return err
			}
			r.logger.Warn("order skipped", "order_id", order.GetID(), "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("order %s: %v", order.GetID(), err))
			continue
		}
		pending = append(pending, p)
	}
	if len(pending) == 0 {
		return fmt.Errorf("no entries could be built from %d eligible orders", len(orders))
	}

	entries := make([]nacha.Entry, len(pending))
	items := make([]domain.BatchItem, len(pending))
	for i, p := range pending {
		entries[i] = p.entry
		items[i] = p.item
	}

	fileCfg := nacha.FileConfig{
		ImmediateDestination:     r.cfg.NACHA.ImmediateDestination,
		ImmediateDestinationName: r.cfg.NACHA.ImmediateDestinationName,
		ImmediateOrigin:          r.cfg.NACHA.ImmediateOrigin,
		ImmediateOriginName:      r.cfg.NACHA.ImmediateOriginName,
		CompanyName:              r.cfg.NACHA.CompanyName,
		CompanyDiscretionaryData: r.cfg.NACHA.CompanyDiscretionaryData,
		CompanyID:                r.cfg.NACHA.CompanyID,
		SECCode:                  r.cfg.NACHA.SECCode,
		EntryDescription:         r.cfg.NACHA.EntryDescription,
		OriginatingDFI:           odfi,
		BatchNumber:              1,
		Now:                      now,
		EffectiveDate:            nacha.NextBusinessDay(now, r.cfg.NACHA.EffectiveDays),
	}
	data, manifest, err := nacha.BuildFile(fileCfg, entries)
	if err != nil {
		return fmt.Errorf("build nacha file: %w", err)
	}

	name := storage.BatchFileName(now, batchID)
	filePath, err := r.files.Write(name, data)
	if err != nil {
		return fmt.Errorf("write batch file: %w", err)
	}

	batch := domain.Batch{
		ID:          batchID,
		Status:      domain.BatchGenerated,
		FilePath:    filePath,
		FileName:    name,
		OrderCount:  manifest.EntryCount,
		TotalDebit:  manifest.TotalDebit,
		TotalCredit: manifest.TotalCredit,
		EntryHash:   manifest.EntryHash,
		BatchNumber: manifest.BatchNumber,
		Manual:      manual,
		CreatedAt:   now,
		ExportedAt:  &now,
	}
	if err := r.batches.CreateBatchWithItems(ctx, &batch, items); err != nil {
		if rmErr := r.files.RemovePath(filePath); rmErr != nil {
			r.logger.Error("failed to remove orphaned batch file", "path", filePath, "error", rmErr)
		}
		return fmt.Errorf("create batch: %w", err)
	}

	result.BatchID = &batch.ID
	result.OrderCount = batch.OrderCount
	entriesExportedTotal.Add(float64(batch.OrderCount))

	r.logger.Info("batch generated", "batch_id", batch.ID, "order_count", batch.OrderCount, "total_debit", batch.TotalDebit, "sha256", manifest.SHA256)
	r.audit.Log(ctx, "batch.generated", "batch", batch.ID.String(), map[string]any{
		"order_count":  batch.OrderCount,
		"total_debit":  batch.TotalDebit,
		"total_credit": batch.TotalCredit,
		"entry_hash":   batch.EntryHash,
		"manual":       manual,
	})
	r.events.Publish(ctx, domain.Event{Type: domain.EventBatchGenerated, SubjectID: batch.ID.String(), Payload: map[string]any{
		"order_count": batch.OrderCount,
		"total_debit": batch.TotalDebit,
	}})

	for _, p := range pending {
		p.order.SetMeta(domain.MetaBatchID, batch.ID.String())
		p.order.SetMeta(domain.MetaTraceNumber, p.item.TraceNumber)
		p.order.SetMeta(domain.MetaAccountLast4, p.last4)
		p.order.SetMeta(domain.MetaAccountType, string(p.kind))
		p.order.SetStatus(r.cfg.ACH.ExportedStatus, fmt.Sprintf("ACH debit exported in batch %s (trace %s).", batch.ID, p.item.TraceNumber))
		if err := p.order.Save(ctx); err != nil {
			r.logger.Error("failed to update exported order", "order_id", p.order.GetID(), "batch_id", batch.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("order %s: update after export: %v", p.order.GetID(), err))
		}
	}

	if err := r.upload(ctx, &batch); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("batch %s: upload: %v", batch.ID, err))
	}
	return nil
}

var errSequenceAllocation = errors.New("trace sequence allocation failed")

func (r *Runner) buildEntry(ctx context.Context, order domain.Order, batchID uuid.UUID, odfi string, now time.Time) (pendingEntry, error) {
	cents, err := orderCents(order.GetTotal())
	if err != nil {
		return pendingEntry{}, err
	}

	details, err := r.secrets.GetBankDetails(ctx, order.GetID())
	if err != nil {
		return pendingEntry{}, fmt.Errorf("bank details: %w", err)
	}
	if ok, reason := validation.ValidateRouting(details.RoutingNumber); !ok {
		return pendingEntry{}, fmt.Errorf("stored routing number invalid: %s", reason)
	}
	code, err := nacha.TransactionCode(string(details.AccountType), false)
	if err != nil {
		return pendingEntry{}, err
	}

	seq, err := r.batches.NextTraceSequence(ctx, odfi)
	if err != nil {
		return pendingEntry{}, fmt.Errorf("%w: %v", errSequenceAllocation, err)
	}
	trace, err := nacha.TraceNumber(odfi, seq)
	if err != nil {
		return pendingEntry{}, fmt.Errorf("%w: %w", errSequenceAllocation, err)
	}

	return pendingEntry{
		order: order,
		entry: nacha.Entry{
			TransactionCode: code,
			RoutingNumber:   details.RoutingNumber,
			AccountNumber:   details.AccountNumber,
			Amount:          cents,
			IndividualID:    order.GetID(),
			IndividualName:  validation.SanitizeHolderName(details.HolderName),
			TraceNumber:     trace,
		},
		item: domain.BatchItem{
			ID:              uuid.New(),
			BatchID:         batchID,
			OrderID:         order.GetID(),
			TraceNumber:     trace,
			Amount:          cents,
			TransactionCode: code,
			AccountLast4:    details.Last4(),
			Status:          domain.ItemExported,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		last4: details.Last4(),
		kind:  details.AccountType,
	}, nil
}

func orderCents(total string) (int64, error) {
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return 0, fmt.Errorf("order total %q is not a number", total)
	}
	cents := amount.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("order total %s has sub-cent precision", total)
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("order total %s must be positive", total)
	}
	return cents.IntPart(), nil
}

// upload makes one upload attempt and records the outcome on the batch.
func (r *Runner) upload(ctx context.Context, batch *domain.Batch) error {
	attempt := batch.UploadAttempts + 1
	err := r.transmit(ctx, batch)
	if err != nil {
		uploadAttemptsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("batch upload failed", "batch_id", batch.ID, "attempt", attempt, "max_attempts", r.cfg.ACH.MaxAttempts, "error", err)
		if markErr := r.batches.MarkBatchUploadFailed(ctx, batch.ID, attempt, err.Error()); markErr != nil {
			return errors.Join(err, fmt.Errorf("record failed upload: %w", markErr))
		}
		batch.Status = domain.BatchUploadFailed
		batch.UploadAttempts = attempt
		r.audit.Log(ctx, "batch.upload_failed", "batch", batch.ID.String(), map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		r.events.Publish(ctx, domain.Event{Type: domain.EventBatchUploadFailed, SubjectID: batch.ID.String(), Payload: map[string]any{
			"attempt":  attempt,
			"terminal": attempt >= r.cfg.ACH.MaxAttempts,
		}})
		return err
	}

	uploadedAt := r.now()
	if err := r.batches.MarkBatchUploaded(ctx, batch.ID, attempt, uploadedAt); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	uploadAttemptsTotal.WithLabelValues("uploaded").Inc()
	batch.Status = domain.BatchUploaded
	batch.UploadAttempts = attempt
	batch.UploadedAt = &uploadedAt

	r.logger.Info("batch uploaded", "batch_id", batch.ID, "attempt", attempt)
	r.audit.Log(ctx, "batch.uploaded", "batch", batch.ID.String(), map[string]any{"attempt": attempt})
	r.events.Publish(ctx, domain.Event{Type: domain.EventBatchUploaded, SubjectID: batch.ID.String(), Payload: map[string]any{
		"order_count": batch.OrderCount,
		"attempt":     attempt,
	}})
	return nil
}

// transmit connects (with bounded retries) and uploads the batch file.
func (r *Runner) transmit(ctx context.Context, batch *domain.Batch) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ACH.RunTimeout)
	defer cancel()

	if err := r.connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := r.transport.Disconnect(); err != nil {
			r.logger.Warn("transport disconnect failed", "error", err)
		}
	}()

	remote := path.Join(r.cfg.SFTP.UploadDir, batch.FileName)
	return r.transport.Upload(ctx, batch.FilePath, remote)
}

func (r *Runner) connect(ctx context.Context) error {
	attempts := r.cfg.SFTP.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = r.transport.Connect(ctx); err == nil {
			return nil
		}
		var terr *transport.Error
		if errors.As(err, &terr) && terr.Kind == transport.KindAuth {
			return err
		}
		if i == attempts {
			break
		}
		r.logger.Warn("transport connect failed; backing off", "attempt", i, "error", err)
		if sleepErr := r.sleep(ctx, r.cfg.SFTP.ConnectBackoff*time.Duration(i)); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
	return err
}

// RetryFailedUploads re-attempts upload_failed batches that have attempts
// left. Files are uploaded as generated, never rebuilt.
func (r *Runner) RetryFailedUploads(ctx context.Context) ([]domain.RetryResult, error) {
	results := []domain.RetryResult{}
	err := r.withLock(ctx, "retry", func(ctx context.Context) error {
		batches, err := r.batches.ListRetryableBatches(ctx, r.cfg.ACH.MaxAttempts)
		if err != nil {
			return fmt.Errorf("list retryable batches: %w", err)
		}
		for i := range batches {
			batch := &batches[i]
			res := domain.RetryResult{BatchID: batch.ID}

			if ok, _ := afero.Exists(r.files.Fs(), batch.FilePath); !ok {
				msg := "batch file missing from protected storage"
				r.logger.Error("cannot retry batch", "batch_id", batch.ID, "path", batch.FilePath)
				if err := r.batches.MarkBatchUploadFailed(ctx, batch.ID, r.cfg.ACH.MaxAttempts, msg); err != nil {
					msg = msg + "; " + err.Error()
				}
				res.Status = domain.BatchUploadFailed
				res.Attempts = r.cfg.ACH.MaxAttempts
				res.Error = msg
				results = append(results, res)
				continue
			}

			if err := r.upload(ctx, batch); err != nil {
				res.Error = err.Error()
			}
			res.Status = batch.Status
			res.Attempts = batch.UploadAttempts
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

// Reconcile ingests new return files from the processor.
func (r *Runner) Reconcile(ctx context.Context) (domain.ReconcileResult, error) {
	result := domain.ReconcileResult{FilesProcessed: []string{}, Unmatched: []string{}, Errors: []string{}}
	err := r.withLock(ctx, "reconcile", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.cfg.ACH.RunTimeout)
		defer cancel()

		if err := r.connect(ctx); err != nil {
			return err
		}
		defer r.transport.Disconnect()

		names, err := r.transport.List(ctx, r.cfg.SFTP.ReturnsDir)
		if err != nil {
			return err
		}
		for _, name := range names {
			done, err := r.batches.ReturnFileProcessed(ctx, name)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			if done {
				continue
			}
			if err := r.reconcileFile(ctx, name, &result); err != nil {
				r.logger.Error("return file failed", "file", name, "error", err)
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			result.FilesProcessed = append(result.FilesProcessed, name)
		}
		return nil
	})
	if err == nil {
		r.logger.Info("reconciliation finished", "files", len(result.FilesProcessed), "returned", result.Returned, "corrections", result.Corrections, "unmatched", len(result.Unmatched))
	}
	return result, err
}

func (r *Runner) reconcileFile(ctx context.Context, name string, result *domain.ReconcileResult) error {
	localPath, err := r.files.Path(path.Join("returns", path.Base(name)))
	if err != nil {
		return err
	}
	if err := r.transport.Download(ctx, path.Join(r.cfg.SFTP.ReturnsDir, name), localPath); err != nil {
		return err
	}
	data, err := r.files.ReadPath(localPath)
	if err != nil {
		return err
	}
	parsed, err := nacha.ParseReturnFile(bytes.NewReader(data))
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)

	rec := store.ReturnFileRecord{Name: name, SHA256: hex.EncodeToString(sum[:]), ProcessedAt: r.now()}
	for _, ret := range parsed.Returns {
		matched, err := r.applyReturn(ctx, ret)
		if err != nil {
			return fmt.Errorf("trace %s: %w", ret.OriginalTraceNumber, err)
		}
		if !matched {
			rec.Unmatched++
			result.Unmatched = append(result.Unmatched, ret.OriginalTraceNumber)
			returnsProcessedTotal.WithLabelValues("unmatched").Inc()
			continue
		}
		rec.Returned++
		result.Returned++
		returnsProcessedTotal.WithLabelValues("returned").Inc()
	}
	for _, cor := range parsed.Corrections {
		matched, err := r.applyCorrection(ctx, cor)
		if err != nil {
			return fmt.Errorf("trace %s: %w", cor.OriginalTraceNumber, err)
		}
		if !matched {
			rec.Unmatched++
			result.Unmatched = append(result.Unmatched, cor.OriginalTraceNumber)
			returnsProcessedTotal.WithLabelValues("unmatched").Inc()
			continue
		}
		rec.Corrections++
		result.Corrections++
		returnsProcessedTotal.WithLabelValues("correction").Inc()
	}
	if rec.Unmatched > 0 {
		r.logger.Warn("return file has unmatched trace numbers", "file", name, "unmatched", rec.Unmatched)
	}
	return r.batches.RecordReturnFile(ctx, rec)
}

func (r *Runner) applyReturn(ctx context.Context, ret nacha.ReturnEntry) (bool, error) {
	item, err := r.batches.FindItemByTraceNumber(ctx, ret.OriginalTraceNumber)
	if errors.Is(err, store.ErrItemNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	changed, err := r.batches.MarkItemReturned(ctx, item.ID, ret.Code, ret.Reason)
	if err != nil {
		return false, err
	}

	order, err := r.orders.GetOrder(ctx, item.OrderID)
	if err != nil {
		return false, fmt.Errorf("load order %s: %w", item.OrderID, err)
	}
	// A reprocessed file revisits items already returned. The side effects
	// below run after the order save, so they are still owed only when that
	// save never landed.
	if !changed && order.GetStatus() == r.cfg.ACH.FailedStatus {
		r.logger.Debug("return already applied", "order_id", item.OrderID, "trace_number", item.TraceNumber)
		return true, nil
	}
	order.SetMeta(domain.MetaReturnCode, ret.Code)
	order.SetStatus(r.cfg.ACH.FailedStatus, fmt.Sprintf("ACH debit returned: %s %s (trace %s).", ret.Code, ret.Reason, item.TraceNumber))
	if err := order.Save(ctx); err != nil {
		return false, fmt.Errorf("update order %s: %w", item.OrderID, err)
	}

	r.logger.Info("item returned", "batch_id", item.BatchID, "order_id", item.OrderID, "trace_number", item.TraceNumber, "return_code", ret.Code)
	r.audit.Log(ctx, "item.returned", "batch_item", item.ID.String(), map[string]any{
		"order_id":     item.OrderID,
		"trace_number": item.TraceNumber,
		"return_code":  ret.Code,
		"last4":        item.AccountLast4,
	})
	r.events.Publish(ctx, domain.Event{Type: domain.EventItemReturned, SubjectID: item.OrderID, Payload: map[string]any{
		"trace_number": item.TraceNumber,
		"return_code":  ret.Code,
		"reason":       ret.Reason,
	}})
	return true, nil
}

// applyCorrection records a notification of change. The corrected data may
// contain account numbers, so only the code is logged.
func (r *Runner) applyCorrection(ctx context.Context, cor nacha.Correction) (bool, error) {
	item, err := r.batches.FindItemByTraceNumber(ctx, cor.OriginalTraceNumber)
	if errors.Is(err, store.ErrItemNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.logger.Warn("notification of change received", "order_id", item.OrderID, "trace_number", item.TraceNumber, "change_code", cor.Code)
	r.audit.Log(ctx, "item.notification_of_change", "batch_item", item.ID.String(), map[string]any{
		"order_id":    item.OrderID,
		"change_code": cor.Code,
		"reason":      cor.Reason,
		"last4":       item.AccountLast4,
	})
	r.events.Publish(ctx, domain.Event{Type: domain.EventNotificationOfChange, SubjectID: item.OrderID, Payload: map[string]any{
		"trace_number": item.TraceNumber,
		"change_code":  cor.Code,
	}})
	return true, nil
}

// SettleMatured settles uploaded batches whose return window has passed.
func (r *Runner) SettleMatured(ctx context.Context) (domain.SettlementResult, error) {
	result := domain.SettlementResult{Errors: []string{}}
	err := r.withLock(ctx, "settle", func(ctx context.Context) error {
		now := r.now()
		cutoff := now.AddDate(0, 0, -r.cfg.ACH.SettlementDays)
		batches, err := r.batches.ListSettleableBatches(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("list settleable batches: %w", err)
		}
		for _, batch := range batches {
			items, err := r.batches.MarkBatchSettled(ctx, batch.ID, now)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("batch %s: %v", batch.ID, err))
				continue
			}
			result.BatchesSettled++
			result.ItemsSettled += len(items)
			for _, item := range items {
				if err := r.completeOrder(ctx, item); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("order %s: %v", item.OrderID, err))
				}
			}
			r.audit.Log(ctx, "batch.settled", "batch", batch.ID.String(), map[string]any{"items": len(items)})
			r.events.Publish(ctx, domain.Event{Type: domain.EventBatchSettled, SubjectID: batch.ID.String(), Payload: map[string]any{"items": len(items)}})
		}
		return nil
	})
	return result, err
}

func (r *Runner) completeOrder(ctx context.Context, item domain.BatchItem) error {
	order, err := r.orders.GetOrder(ctx, item.OrderID)
	if err != nil {
		return err
	}
	order.SetStatus(r.cfg.ACH.CompletedStatus, fmt.Sprintf("ACH debit settled (trace %s).", item.TraceNumber))
	if err := order.Save(ctx); err != nil {
		return err
	}
	if r.cfg.ACH.ClearBankDetailsAfterSettlement {
		return r.secrets.ClearBankDetails(ctx, item.OrderID)
	}
	return nil
}

// CleanupRetention deletes settled batches older than the retention window
// together with their files.
func (r *Runner) CleanupRetention(ctx context.Context) (int, error) {
	cutoff := r.now().AddDate(0, 0, -r.cfg.ACH.RetentionDays)
	batches, err := r.batches.DeleteSettledBatchesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete settled batches: %w", err)
	}
	for _, b := range batches {
		if err := r.files.RemovePath(b.FilePath); err != nil {
			r.logger.Warn("failed to remove batch file", "batch_id", b.ID, "path", b.FilePath, "error", err)
		}
		r.audit.Log(ctx, "batch.purged", "batch", b.ID.String(), nil)
	}
	if len(batches) > 0 {
		r.logger.Info("retention cleanup removed batches", "count", len(batches))
	}
	return len(batches), nil
}

// TestConnection checks the processor endpoint for operators.
func (r *Runner) TestConnection(ctx context.Context) (bool, string) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ACH.RunTimeout)
	defer cancel()
	ok, msg := r.transport.TestConnection(ctx)
	r.audit.Log(ctx, "sftp.connection_tested", "settings", "sftp", map[string]any{"ok": ok})
	return ok, msg
}
