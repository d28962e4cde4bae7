/**
 * @description
 * Verification wizard state machine: bank info (1) -> documents (2) -> review
 * (3) -> submitted (4). Moves are forward-only except EditBankDetails, which
 * returns to step 1 and keeps uploaded documents. A desktop session can hand
 * itself to another device through a single-use handoff token.
 */
package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/ach-service/internal/config"
	"github.com/transfa/ach-service/internal/domain"
	"github.com/transfa/ach-service/internal/store"
	"github.com/transfa/ach-service/internal/validation"
)

const handoffBucket = "handoff_token"

// BankDetailsSink persists validated bank details encrypted.
type BankDetailsSink interface {
	SaveBankDetails(ctx context.Context, orderID string, details domain.BankDetails) error
}

// DocumentSink stores KYC documents.
type DocumentSink interface {
	Save(ctx context.Context, orderID string, doc domain.DocumentType, content []byte) error
}

// RateLimitError is returned when handoff issuance is throttled.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", domain.ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// Verification drives the per-order wizard.
type Verification struct {
	sessions  store.VerificationRepository
	orders    store.OrderRepository
	secrets   BankDetailsSink
	documents DocumentSink
	limiter   domain.RateLimiter
	audit     domain.AuditLogger
	events    domain.EventPublisher
	logger    *slog.Logger
	cfg       config.VerificationConfig

	required []domain.DocumentType
	now      func() time.Time
}

func NewVerification(
	sessions store.VerificationRepository,
	orders store.OrderRepository,
	secrets BankDetailsSink,
	documents DocumentSink,
	limiter domain.RateLimiter,
	audit domain.AuditLogger,
	events domain.EventPublisher,
	logger *slog.Logger,
	cfg config.VerificationConfig,
) *Verification {
	required := make([]domain.DocumentType, 0, len(cfg.RequiredDocuments))
	for _, d := range cfg.RequiredDocuments {
		if d = strings.TrimSpace(d); d != "" {
			required = append(required, domain.DocumentType(d))
		}
	}
	return &Verification{
		sessions:  sessions,
		orders:    orders,
		secrets:   secrets,
		documents: documents,
		limiter:   limiter,
		audit:     audit,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		required:  required,
		now:       time.Now,
	}
}

// RequiredDocuments lists the document slots that must be filled before review.
func (v *Verification) RequiredDocuments() []domain.DocumentType {
	return v.required
}

// Start loads the customer's session for orderID, creating it on first visit.
func (v *Verification) Start(ctx context.Context, orderID, customerID string) (*domain.VerificationSession, error) {
	session, err := v.sessions.GetSession(ctx, orderID)
	switch {
	case err == nil:
		if session.CustomerID != customerID {
			return nil, domain.ErrSessionNotFound
		}
		if !session.Cancelled {
			return session, nil
		}
	case !errors.Is(err, domain.ErrSessionNotFound):
		return nil, err
	}

	order, err := v.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if owner := order.GetMeta(domain.MetaCustomerID); owner != "" && owner != customerID {
		return nil, domain.ErrOrderNotFound
	}

	now := v.now().UTC()
	fresh := &domain.VerificationSession{
		OrderID:     orderID,
		CustomerID:  customerID,
		CurrentStep: domain.StepBankInfo,
		Documents:   make(map[domain.DocumentType]bool, len(v.required)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, doc := range v.required {
		fresh.Documents[doc] = false
	}
	// A session cancelled by timeout restarts at step 1 but keeps its documents.
	if session != nil {
		for doc, ok := range session.Documents {
			fresh.Documents[doc] = ok
		}
		fresh.CreatedAt = session.CreatedAt
	}
	if err := v.sessions.SaveSession(ctx, fresh); err != nil {
		return nil, fmt.Errorf("save verification session: %w", err)
	}
	v.audit.Log(ctx, "verification.started", "order", orderID, map[string]any{"customer_id": customerID})
	return fresh, nil
}

func (v *Verification) load(ctx context.Context, orderID, customerID string, allowed ...domain.VerificationStep) (*domain.VerificationSession, error) {
	session, err := v.sessions.GetSession(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if session.CustomerID != customerID || session.Cancelled {
		return nil, domain.ErrSessionNotFound
	}
	for _, step := range allowed {
		if session.CurrentStep == step {
			return session, nil
		}
	}
	return nil, fmt.Errorf("%w: session is at step %d", domain.ErrInvalidStep, session.CurrentStep)
}

func (v *Verification) save(ctx context.Context, session *domain.VerificationSession) error {
	session.UpdatedAt = v.now().UTC()
	if err := v.sessions.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("save verification session: %w", err)
	}
	return nil
}

// SubmitBankDetails validates and stores bank details, then advances to the
// documents step. Field errors come back as domain.ValidationErrors.
func (v *Verification) SubmitBankDetails(ctx context.Context, orderID, customerID string, in domain.BankDetails) (*domain.VerificationSession, error) {
	session, err := v.load(ctx, orderID, customerID, domain.StepBankInfo)
	if err != nil {
		return nil, err
	}

	details, errs := validation.ValidateBankDetails(in)
	if msg, ok := errs["account_number"]; ok && v.cfg.AllowAccountWarning {
		if _, reason := validation.ValidateAccount(details.AccountNumber); validation.IsHeuristicAccountReason(reason) {
			delete(errs, "account_number")
			v.logger.Info("accepted account number with heuristic warning", "order_id", orderID, "warning", msg)
		}
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}

	if err := v.secrets.SaveBankDetails(ctx, orderID, details); err != nil {
		return nil, err
	}

	order, err := v.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.SetMeta(domain.MetaAccountLast4, details.Last4())
	order.SetMeta(domain.MetaAccountType, string(details.AccountType))
	if err := order.Save(ctx); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	session.Bank = domain.BankState{
		Validated:   true,
		Last4:       details.Last4(),
		AccountType: details.AccountType,
		HolderName:  details.HolderName,
	}
	session.CurrentStep = domain.StepDocuments
	if err := v.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// UploadDocument stores one required document.
func (v *Verification) UploadDocument(ctx context.Context, orderID, customerID string, doc domain.DocumentType, content []byte) (*domain.VerificationSession, error) {
	session, err := v.load(ctx, orderID, customerID, domain.StepDocuments)
	if err != nil {
		return nil, err
	}
	if !v.isRequired(doc) {
		return nil, domain.ValidationErrors{"document_type": fmt.Sprintf("Unknown document type %q.", doc)}
	}
	if len(content) == 0 {
		return nil, domain.ValidationErrors{"document": "The uploaded file is empty."}
	}
	if v.cfg.MaxDocumentBytes > 0 && int64(len(content)) > v.cfg.MaxDocumentBytes {
		return nil, domain.ValidationErrors{"document": fmt.Sprintf("The uploaded file exceeds %d bytes.", v.cfg.MaxDocumentBytes)}
	}

	if err := v.documents.Save(ctx, orderID, doc, content); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	if session.Documents == nil {
		session.Documents = make(map[domain.DocumentType]bool)
	}
	session.Documents[doc] = true
	if err := v.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (v *Verification) isRequired(doc domain.DocumentType) bool {
	for _, d := range v.required {
		if d == doc {
			return true
		}
	}
	return false
}

// EditBankDetails returns to step 1 without discarding documents.
func (v *Verification) EditBankDetails(ctx context.Context, orderID, customerID string) (*domain.VerificationSession, error) {
	session, err := v.load(ctx, orderID, customerID, domain.StepDocuments, domain.StepReview)
	if err != nil {
		return nil, err
	}
	session.CurrentStep = domain.StepBankInfo
	session.Bank.Validated = false
	if err := v.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ProceedToReview advances to step 3 once every required document is present.
func (v *Verification) ProceedToReview(ctx context.Context, orderID, customerID string) (*domain.VerificationSession, error) {
	session, err := v.load(ctx, orderID, customerID, domain.StepDocuments)
	if err != nil {
		return nil, err
	}
	if !session.Bank.Validated {
		return nil, fmt.Errorf("%w: bank details not validated", domain.ErrInvalidStep)
	}
	if !session.HasDocuments(v.required) {
		var missing []string
		for _, doc := range v.required {
			if !session.Documents[doc] {
				missing = append(missing, string(doc))
			}
		}
		return nil, domain.ValidationErrors{"documents": "Missing required documents: " + strings.Join(missing, ", ") + "."}
	}
	session.CurrentStep = domain.StepReview
	if err := v.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Complete submits the verification. The order's verification status becomes
// pending_review (manual method) or verified (automated method).
func (v *Verification) Complete(ctx context.Context, orderID, customerID string, termsAccepted bool) (*domain.VerificationSession, error) {
	session, err := v.load(ctx, orderID, customerID, domain.StepReview)
	if err != nil {
		return nil, err
	}
	if !termsAccepted {
		return nil, domain.ValidationErrors{"terms": "You must accept the debit authorization terms."}
	}
	if !session.Bank.Validated || !session.HasDocuments(v.required) {
		return nil, fmt.Errorf("%w: verification is incomplete", domain.ErrInvalidStep)
	}

	status := domain.VerificationPendingReview
	if v.cfg.Method == config.VerificationAutomated {
		status = domain.VerificationVerified
	}

	order, err := v.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.SetMeta(domain.MetaVerificationStatus, status)
	if err := order.Save(ctx); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	if _, err := v.sessions.RevokeHandoffTokens(ctx, orderID, v.now().UTC()); err != nil {
		return nil, err
	}
	session.CurrentStep = domain.StepSubmitted
	session.Handoff = domain.HandoffState{}
	if err := v.save(ctx, session); err != nil {
		return nil, err
	}

	verificationsTotal.WithLabelValues(status).Inc()
	v.audit.Log(ctx, "verification.submitted", "order", orderID, map[string]any{
		"status": status,
		"last4":  session.Bank.Last4,
	})
	v.events.Publish(ctx, domain.Event{Type: domain.EventVerificationSubmitted, SubjectID: orderID, Payload: map[string]any{
		"customer_id": customerID,
		"status":      status,
	}})
	return session, nil
}

// Approve moves a manually reviewed order from pending_review to verified.
func (v *Verification) Approve(ctx context.Context, orderID, reviewer string) error {
	order, err := v.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if current := order.GetMeta(domain.MetaVerificationStatus); current != domain.VerificationPendingReview {
		return fmt.Errorf("%w: verification status is %q", domain.ErrInvalidStep, current)
	}
	order.SetMeta(domain.MetaVerificationStatus, domain.VerificationVerified)
	order.SetStatus(order.GetStatus(), "ACH bank verification approved.")
	if err := order.Save(ctx); err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	verificationsTotal.WithLabelValues(domain.VerificationVerified).Inc()
	v.audit.Log(ctx, "verification.approved", "order", orderID, map[string]any{"reviewer": reviewer})
	v.events.Publish(ctx, domain.Event{Type: domain.EventVerificationApproved, SubjectID: orderID})
	return nil
}

// MintHandoffToken issues a single-use token for resuming the session on
// another device. Only the token's SHA-256 is stored. Tokens minted earlier
// for the order stop working.
func (v *Verification) MintHandoffToken(ctx context.Context, orderID, customerID string) (string, time.Time, error) {
	session, err := v.load(ctx, orderID, customerID, domain.StepBankInfo, domain.StepDocuments, domain.StepReview)
	if err != nil {
		return "", time.Time{}, err
	}

	allowed, retryAfter, err := v.limiter.Check(ctx, handoffBucket, customerID, v.cfg.HandoffRateLimit, int(v.cfg.HandoffWindow.Seconds()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		v.audit.Log(ctx, "handoff_token.rate_limited", "order", orderID, map[string]any{"customer_id": customerID})
		return "", time.Time{}, &RateLimitError{RetryAfterSeconds: retryAfter}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("generate handoff token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	hash := hashToken(token)

	now := v.now().UTC()
	if _, err := v.sessions.RevokeHandoffTokens(ctx, orderID, now); err != nil {
		return "", time.Time{}, err
	}
	expiresAt := now.Add(v.cfg.HandoffTTL)
	if err := v.sessions.CreateHandoffToken(ctx, domain.HandoffToken{
		TokenHash:  hash,
		OrderID:    orderID,
		CustomerID: customerID,
		ExpiresAt:  expiresAt,
		CreatedAt:  now,
	}); err != nil {
		return "", time.Time{}, fmt.Errorf("store handoff token: %w", err)
	}

	session.Handoff = domain.HandoffState{TokenHash: hash, ExpiresAt: &expiresAt}
	if err := v.save(ctx, session); err != nil {
		return "", time.Time{}, err
	}
	v.audit.Log(ctx, "handoff_token.issued", "order", orderID, map[string]any{
		"customer_id": customerID,
		"expires_at":  expiresAt,
	})
	return token, expiresAt, nil
}

// ConsumeHandoffToken redeems a token exactly once and returns the session it
// resumes. Failures are domain token errors.
func (v *Verification) ConsumeHandoffToken(ctx context.Context, token string) (*domain.VerificationSession, error) {
	hash := hashToken(strings.TrimSpace(token))
	record, err := v.sessions.ConsumeHandoffToken(ctx, hash, v.now().UTC())
	if err != nil {
		if domain.IsTokenError(err) {
			v.audit.Log(ctx, "handoff_token.rejected", "handoff_token", hash[:12], map[string]any{"reason": err.Error()})
		}
		return nil, err
	}

	session, err := v.sessions.GetSession(ctx, record.OrderID)
	if err != nil {
		return nil, err
	}
	if session.Handoff.TokenHash == hash {
		session.Handoff = domain.HandoffState{}
		if err := v.save(ctx, session); err != nil {
			return nil, err
		}
	}
	v.audit.Log(ctx, "handoff_token.consumed", "order", record.OrderID, map[string]any{"customer_id": record.CustomerID})
	return session, nil
}

// ExpireStale cancels sessions idle longer than the session TTL, revokes their
// handoff tokens and purges expired ones.
func (v *Verification) ExpireStale(ctx context.Context) (int, error) {
	now := v.now().UTC()
	idle, err := v.sessions.ListIdleSessions(ctx, now.Add(-v.cfg.SessionTTL))
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}
	cancelled := 0
	for i := range idle {
		s := &idle[i]
		if _, err := v.sessions.RevokeHandoffTokens(ctx, s.OrderID, now); err != nil {
			v.logger.Error("failed to revoke handoff tokens", "order_id", s.OrderID, "error", err)
			continue
		}
		s.Cancelled = true
		s.Handoff = domain.HandoffState{}
		if err := v.save(ctx, s); err != nil {
			v.logger.Error("failed to cancel idle session", "order_id", s.OrderID, "error", err)
			continue
		}
		cancelled++
		v.audit.Log(ctx, "verification.expired", "order", s.OrderID, nil)
	}
	if _, err := v.sessions.DeleteExpiredHandoffTokens(ctx, now); err != nil {
		return cancelled, fmt.Errorf("purge handoff tokens: %w", err)
	}
	return cancelled, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
