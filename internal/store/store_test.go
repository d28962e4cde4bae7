package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/ach-service/internal/domain"
)

func TestPostgresOrder_BuffersChanges(t *testing.T) {
	o := newPostgresOrder(nil)
	o.id = "1001"
	o.status = "on-hold"
	o.meta[domain.MetaVerificationStatus] = domain.VerificationVerified

	// Save without changes must not touch the database.
	if err := o.Save(context.Background()); err != nil {
		t.Fatalf("Save without changes returned error: %v", err)
	}

	o.SetMeta(domain.MetaVerificationStatus, domain.VerificationVerified)
	if len(o.dirtyMeta) != 0 {
		t.Fatal("setting an unchanged value must not mark meta dirty")
	}

	o.SetMeta(domain.MetaBatchID, "b-1")
	o.SetStatus("on-hold", "")
	if o.statusChanged {
		t.Fatal("same status must not be marked changed")
	}
	o.SetStatus("processing", "ACH exported")
	if !o.statusChanged || o.GetStatus() != "processing" {
		t.Fatalf("expected status change, got %q", o.GetStatus())
	}
	if o.GetMeta(domain.MetaBatchID) != "b-1" || !o.dirtyMeta[domain.MetaBatchID] {
		t.Fatal("expected batch id meta to be buffered")
	}
	if len(o.notes) != 1 {
		t.Fatalf("expected one queued note, got %d", len(o.notes))
	}
}

func TestClassifyTokenFailure(t *testing.T) {
	now := time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)
	consumed := now.Add(-time.Minute)

	tests := []struct {
		name       string
		expiresAt  time.Time
		consumedAt *time.Time
		want       error
	}{
		{name: "consumed", expiresAt: now.Add(time.Minute), consumedAt: &consumed, want: domain.ErrTokenAlreadyUsed},
		{name: "consumed and expired", expiresAt: now.Add(-time.Minute), consumedAt: &consumed, want: domain.ErrTokenAlreadyUsed},
		{name: "expired", expiresAt: now.Add(-time.Second), want: domain.ErrTokenExpired},
		{name: "expires exactly now", expiresAt: now, want: domain.ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := classifyTokenFailure(tt.expiresAt, tt.consumedAt, now); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("copy: %w", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: openOrderIndex})
	if !isUniqueViolation(err, openOrderIndex) {
		t.Fatal("expected wrapped open-order violation to match")
	}
	if isUniqueViolation(err, "ach_batch_items_trace_number_key") {
		t.Fatal("expected constraint name to be compared")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}, "") {
		t.Fatal("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom"), "") {
		t.Fatal("plain error is not a unique violation")
	}
}

func TestSchemaDeclaresOpenOrderIndex(t *testing.T) {
	schema := Schema()
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS ach_batches",
		"CREATE TABLE IF NOT EXISTS ach_batch_items",
		"CREATE UNIQUE INDEX IF NOT EXISTS " + openOrderIndex,
		"CREATE TABLE IF NOT EXISTS ach_run_locks",
		"CREATE TABLE IF NOT EXISTS ach_trace_sequences",
		"CREATE TABLE IF NOT EXISTS secure_values",
		"CREATE TABLE IF NOT EXISTS handoff_tokens",
	} {
		if !strings.Contains(schema, want) {
			t.Fatalf("schema missing %q", want)
		}
	}
}
