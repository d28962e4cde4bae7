/**
 * @description
 * Scheduled job bodies. Each job is a no-argument func for the cron scheduler;
 * it logs its own outcome since cron has nowhere to return errors to.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/ach-service/internal/domain"
)

// BatchOperations is the Runner surface the jobs drive.
type BatchOperations interface {
	Run(ctx context.Context, manual bool) domain.RunResult
	RetryFailedUploads(ctx context.Context) ([]domain.RetryResult, error)
	Reconcile(ctx context.Context) (domain.ReconcileResult, error)
	SettleMatured(ctx context.Context) (domain.SettlementResult, error)
	CleanupRetention(ctx context.Context) (int, error)
}

// SessionExpirer cancels idle verification sessions.
type SessionExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// Export triggers wait out a concurrent reconcile or retry instead of
// skipping a whole export window.
const (
	exportLockAttempts = 10
	exportLockWait     = 30 * time.Second
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	batches  BatchOperations
	sessions SessionExpirer
	logger   *slog.Logger

	lockAttempts int
	lockWait     time.Duration
	sleep        func(time.Duration)
}

// NewJobs creates a new Jobs runner. sessions may be nil.
func NewJobs(batches BatchOperations, sessions SessionExpirer, logger *slog.Logger) *Jobs {
	return &Jobs{
		batches:      batches,
		sessions:     sessions,
		logger:       logger,
		lockAttempts: exportLockAttempts,
		lockWait:     exportLockWait,
		sleep:        time.Sleep,
	}
}

// ExportBatch is the twice-daily export trigger. When another run holds the
// lock it retries for a bounded window before giving up.
func (j *Jobs) ExportBatch() {
	j.logger.Info("starting scheduled batch export")
	var result domain.RunResult
	for attempt := 1; ; attempt++ {
		result = j.batches.Run(context.Background(), false)
		if !lostLockRace(result) || attempt >= j.lockAttempts {
			break
		}
		j.logger.Info("batch run lock held; waiting to retry export", "attempt", attempt, "wait", j.lockWait)
		j.sleep(j.lockWait)
	}
	if !result.Success {
		j.logger.Error("scheduled batch export failed", "errors", result.Errors)
		return
	}
	j.logger.Info("scheduled batch export finished", "order_count", result.OrderCount, "batch_id", result.BatchID)
}

// RetryUploads re-attempts failed uploads.
func (j *Jobs) RetryUploads() {
	results, err := j.batches.RetryFailedUploads(context.Background())
	if err != nil {
		j.logJobError("upload retry", err)
		return
	}
	if len(results) > 0 {
		j.logger.Info("upload retry finished", "batches", len(results))
	}
}

// ReconcileReturns polls the returns directory.
func (j *Jobs) ReconcileReturns() {
	j.logger.Info("starting return reconciliation")
	result, err := j.batches.Reconcile(context.Background())
	if err != nil {
		j.logJobError("return reconciliation", err)
		return
	}
	if len(result.Unmatched) > 0 {
		j.logger.Warn("unmatched return trace numbers", "trace_numbers", result.Unmatched)
	}
}

// SettleBatches settles matured batches and purges those past retention.
func (j *Jobs) SettleBatches() {
	j.logger.Info("starting settlement")
	ctx := context.Background()

	result, err := j.batches.SettleMatured(ctx)
	if err != nil {
		j.logJobError("settlement", err)
		return
	}
	j.logger.Info("settlement finished", "batches", result.BatchesSettled, "items", result.ItemsSettled, "errors", len(result.Errors))

	if _, err := j.batches.CleanupRetention(ctx); err != nil {
		j.logger.Error("retention cleanup failed", "error", err)
	}
}

// ExpireVerificationSessions cancels idle wizard sessions.
func (j *Jobs) ExpireVerificationSessions() {
	if j.sessions == nil {
		return
	}
	n, err := j.sessions.ExpireStale(context.Background())
	if err != nil {
		j.logger.Error("verification session expiry failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("expired idle verification sessions", "count", n)
	}
}

func lostLockRace(result domain.RunResult) bool {
	if result.Success {
		return false
	}
	for _, msg := range result.Errors {
		if msg == domain.ErrLockContention.Error() {
			return true
		}
	}
	return false
}

func (j *Jobs) logJobError(job string, err error) {
	if errors.Is(err, domain.ErrLockContention) {
		j.logger.Info(job+" skipped; another run holds the lock")
		return
	}
	j.logger.Error(job+" failed", "error", err)
}
