package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditLogger writes audit entries to the audit_log table. A failed
// write is logged and never fails the caller's operation.
type PostgresAuditLogger struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresAuditLogger creates a new PostgresAuditLogger.
func NewPostgresAuditLogger(db *pgxpool.Pool, logger *slog.Logger) *PostgresAuditLogger {
	return &PostgresAuditLogger{db: db, logger: logger}
}

// Log records one sensitive operation.
func (a *PostgresAuditLogger) Log(ctx context.Context, eventType, subjectType string, subjectID any, fields map[string]any) {
	var payload []byte
	if len(fields) > 0 {
		raw, err := json.Marshal(fields)
		if err != nil {
			a.logger.Error("audit context encoding failed", "event_type", eventType, "error", err)
		} else {
			payload = raw
		}
	}

	_, err := a.db.Exec(ctx, `
		INSERT INTO audit_log (event_type, subject_type, subject_id, context)
		VALUES ($1, $2, $3, $4)
	`, eventType, subjectType, fmt.Sprint(subjectID), payload)
	if err != nil {
		a.logger.Error("audit write failed", "event_type", eventType, "subject_type", subjectType, "error", err)
	}
}
