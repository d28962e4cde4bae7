package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/ach-service/internal/config"
	"github.com/transfa/ach-service/internal/domain"
)

type memorySessions struct {
	sessions map[string]domain.VerificationSession
	tokens   map[string]domain.HandoffToken
}

func newMemorySessions() *memorySessions {
	return &memorySessions{sessions: map[string]domain.VerificationSession{}, tokens: map[string]domain.HandoffToken{}}
}

func (m *memorySessions) GetSession(ctx context.Context, orderID string) (*domain.VerificationSession, error) {
	s, ok := m.sessions[orderID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	docs := make(map[domain.DocumentType]bool, len(s.Documents))
	for k, v := range s.Documents {
		docs[k] = v
	}
	s.Documents = docs
	return &s, nil
}

func (m *memorySessions) SaveSession(ctx context.Context, session *domain.VerificationSession) error {
	m.sessions[session.OrderID] = *session
	return nil
}

func (m *memorySessions) ListIdleSessions(ctx context.Context, idleSince time.Time) ([]domain.VerificationSession, error) {
	var out []domain.VerificationSession
	for _, s := range m.sessions {
		if !s.Cancelled && s.CurrentStep != domain.StepSubmitted && s.UpdatedAt.Before(idleSince) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memorySessions) CreateHandoffToken(ctx context.Context, token domain.HandoffToken) error {
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *memorySessions) ConsumeHandoffToken(ctx context.Context, tokenHash string, now time.Time) (*domain.HandoffToken, error) {
	tok, ok := m.tokens[tokenHash]
	switch {
	case !ok:
		return nil, domain.ErrTokenNotFound
	case tok.ConsumedAt != nil:
		return nil, domain.ErrTokenAlreadyUsed
	case !now.Before(tok.ExpiresAt):
		return nil, domain.ErrTokenExpired
	}
	tok.ConsumedAt = &now
	m.tokens[tokenHash] = tok
	return &tok, nil
}

func (m *memorySessions) RevokeHandoffTokens(ctx context.Context, orderID string, now time.Time) (int64, error) {
	var n int64
	for hash, tok := range m.tokens {
		if tok.OrderID == orderID && tok.ConsumedAt == nil {
			tok.ConsumedAt = &now
			m.tokens[hash] = tok
			n++
		}
	}
	return n, nil
}

func (m *memorySessions) DeleteExpiredHandoffTokens(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	for hash, tok := range m.tokens {
		if tok.ExpiresAt.Before(before) {
			delete(m.tokens, hash)
			n++
		}
	}
	return n, nil
}

type memoryDocuments struct {
	saved map[string][]byte
}

func (m *memoryDocuments) Save(ctx context.Context, orderID string, doc domain.DocumentType, content []byte) error {
	m.saved[orderID+"/"+string(doc)] = content
	return nil
}

type verificationHarness struct {
	svc       *Verification
	clock     *clock
	sessions  *memorySessions
	orders    *memoryOrders
	secrets   *fakeSecrets
	documents *memoryDocuments
	audit     *recordingAudit
	events    *recordingEvents
	limiter   *MemoryRateLimiter
}

func newVerificationHarness(t *testing.T, mutate func(*config.VerificationConfig)) *verificationHarness {
	t.Helper()
	cfg := testConfig().Verification
	if mutate != nil {
		mutate(&cfg)
	}
	h := &verificationHarness{
		clock:     newClock(time.Date(2026, time.October, 17, 9, 0, 0, 0, time.UTC)),
		sessions:  newMemorySessions(),
		orders:    newMemoryOrders(),
		secrets:   newFakeSecrets(),
		documents: &memoryDocuments{saved: map[string][]byte{}},
		audit:     &recordingAudit{},
		events:    &recordingEvents{},
		limiter:   NewMemoryRateLimiter(),
	}
	h.limiter.now = h.clock.Now
	h.svc = NewVerification(h.sessions, h.orders, h.secrets, h.documents, h.limiter, h.audit, h.events, discardLogger(), cfg)
	h.svc.now = h.clock.Now
	h.orders.add(&fakeOrder{id: "1001", method: "ach", status: "on-hold", total: "42.00", meta: map[string]string{domain.MetaCustomerID: "cust-1"}})
	return h
}

var validBank = domain.BankDetails{
	RoutingNumber: "011000015",
	AccountNumber: "000123456789",
	AccountType:   "checking",
	HolderName:    "Jane Doe",
}

func (h *verificationHarness) toReview(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.svc.Start(ctx, "1001", "cust-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.svc.SubmitBankDetails(ctx, "1001", "cust-1", validBank); err != nil {
		t.Fatalf("SubmitBankDetails: %v", err)
	}
	for _, doc := range h.svc.RequiredDocuments() {
		if _, err := h.svc.UploadDocument(ctx, "1001", "cust-1", doc, []byte("%PDF-1.7")); err != nil {
			t.Fatalf("UploadDocument %s: %v", doc, err)
		}
	}
	if _, err := h.svc.ProceedToReview(ctx, "1001", "cust-1"); err != nil {
		t.Fatalf("ProceedToReview: %v", err)
	}
}

func TestVerification_ManualFlowEndsInPendingReview(t *testing.T) {
	h := newVerificationHarness(t, nil)
	h.toReview(t)

	session, err := h.svc.Complete(context.Background(), "1001", "cust-1", true)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if session.CurrentStep != domain.StepSubmitted {
		t.Fatalf("expected step 4, got %d", session.CurrentStep)
	}
	order := h.orders.orders["1001"]
	if order.meta[domain.MetaVerificationStatus] != domain.VerificationPendingReview {
		t.Fatalf("expected pending_review, got %q", order.meta[domain.MetaVerificationStatus])
	}
	if order.meta[domain.MetaAccountLast4] != "6789" || order.meta[domain.MetaAccountType] != "checking" {
		t.Fatalf("expected last4 and type on the order, got %v", order.meta)
	}
	if got := h.secrets.details["1001"]; got.AccountNumber != validBank.AccountNumber {
		t.Fatal("expected bank details handed to the encrypted store")
	}
	if len(h.documents.saved) != 3 {
		t.Fatalf("expected 3 stored documents, got %d", len(h.documents.saved))
	}

	if err := h.svc.Approve(context.Background(), "1001", "admin@example.com"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if order.meta[domain.MetaVerificationStatus] != domain.VerificationVerified {
		t.Fatal("expected approval to verify the order")
	}
	if err := h.svc.Approve(context.Background(), "1001", "admin@example.com"); !errors.Is(err, domain.ErrInvalidStep) {
		t.Fatalf("expected a second approval rejected, got %v", err)
	}
	types := h.events.types()
	if len(types) != 2 || types[0] != domain.EventVerificationSubmitted || types[1] != domain.EventVerificationApproved {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestVerification_AutomatedMethodVerifiesImmediately(t *testing.T) {
	h := newVerificationHarness(t, func(c *config.VerificationConfig) { c.Method = config.VerificationAutomated })
	h.toReview(t)
	if _, err := h.svc.Complete(context.Background(), "1001", "cust-1", true); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := h.orders.orders["1001"].meta[domain.MetaVerificationStatus]; got != domain.VerificationVerified {
		t.Fatalf("expected verified, got %q", got)
	}
}

func TestVerification_StepGuards(t *testing.T) {
	h := newVerificationHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.Start(ctx, "1001", "cust-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := h.svc.UploadDocument(ctx, "1001", "cust-1", domain.DocBankProof, []byte("x")); !errors.Is(err, domain.ErrInvalidStep) {
		t.Fatalf("expected upload before bank details rejected, got %v", err)
	}
	if _, err := h.svc.Complete(ctx, "1001", "cust-1", true); !errors.Is(err, domain.ErrInvalidStep) {
		t.Fatalf("expected complete from step 1 rejected, got %v", err)
	}
	if _, err := h.svc.Start(ctx, "1001", "cust-2"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected another customer denied, got %v", err)
	}

	bad := validBank
	bad.RoutingNumber = "011000016"
	_, err := h.svc.SubmitBankDetails(ctx, "1001", "cust-1", bad)
	var verrs domain.ValidationErrors
	if !errors.As(err, &verrs) || verrs["routing_number"] == "" {
		t.Fatalf("expected a routing field error, got %v", err)
	}

	if _, err := h.svc.SubmitBankDetails(ctx, "1001", "cust-1", validBank); err != nil {
		t.Fatalf("SubmitBankDetails: %v", err)
	}
	if _, err := h.svc.ProceedToReview(ctx, "1001", "cust-1"); !errors.As(err, &verrs) || verrs["documents"] == "" {
		t.Fatalf("expected missing documents reported, got %v", err)
	}
	if _, err := h.svc.UploadDocument(ctx, "1001", "cust-1", "selfie", []byte("x")); !errors.As(err, &verrs) {
		t.Fatalf("expected unknown document type rejected, got %v", err)
	}
	if _, err := h.svc.UploadDocument(ctx, "1001", "cust-1", domain.DocBankProof, make([]byte, 2048)); !errors.As(err, &verrs) {
		t.Fatalf("expected oversized document rejected, got %v", err)
	}
}

func TestVerification_EditKeepsDocuments(t *testing.T) {
	h := newVerificationHarness(t, nil)
	h.toReview(t)
	ctx := context.Background()

	session, err := h.svc.EditBankDetails(ctx, "1001", "cust-1")
	if err != nil {
		t.Fatalf("EditBankDetails: %v", err)
	}
	if session.CurrentStep != domain.StepBankInfo || session.Bank.Validated {
		t.Fatalf("expected step 1 with bank unvalidated, got %+v", session)
	}
	if !session.HasDocuments(h.svc.RequiredDocuments()) {
		t.Fatal("expected documents kept after editing bank details")
	}
	if _, err := h.svc.SubmitBankDetails(ctx, "1001", "cust-1", validBank); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, err := h.svc.ProceedToReview(ctx, "1001", "cust-1"); err != nil {
		t.Fatalf("expected review reachable without re-uploading, got %v", err)
	}
	if _, err := h.svc.Complete(ctx, "1001", "cust-1", false); err == nil {
		t.Fatal("expected unaccepted terms rejected")
	}
}

func TestVerification_HandoffTokenIsSingleUse(t *testing.T) {
	h := newVerificationHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.Start(ctx, "1001", "cust-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	token, expiresAt, err := h.svc.MintHandoffToken(ctx, "1001", "cust-1")
	if err != nil {
		t.Fatalf("MintHandoffToken: %v", err)
	}
	if !expiresAt.Equal(h.clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	for hash := range h.sessions.tokens {
		if hash == token {
			t.Fatal("expected only the token hash stored")
		}
	}

	session, err := h.svc.ConsumeHandoffToken(ctx, token)
	if err != nil {
		t.Fatalf("ConsumeHandoffToken: %v", err)
	}
	if session.OrderID != "1001" || session.Handoff.TokenHash != "" {
		t.Fatalf("expected session resumed with handoff cleared, got %+v", session)
	}
	if _, err := h.svc.ConsumeHandoffToken(ctx, token); !errors.Is(err, domain.ErrTokenAlreadyUsed) {
		t.Fatalf("expected second use rejected, got %v", err)
	}
	if _, err := h.svc.ConsumeHandoffToken(ctx, "not-a-token"); !domain.IsTokenError(err) {
		t.Fatalf("expected unknown token rejected, got %v", err)
	}

	expiring, _, err := h.svc.MintHandoffToken(ctx, "1001", "cust-1")
	if err != nil {
		t.Fatalf("MintHandoffToken: %v", err)
	}
	h.clock.Advance(31 * time.Minute)
	if _, err := h.svc.ConsumeHandoffToken(ctx, expiring); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}
	if !h.audit.has("handoff_token.rejected") {
		t.Fatal("expected rejected tokens audited")
	}
}

func TestVerification_HandoffTokensRevoked(t *testing.T) {
	tests := []struct {
		name   string
		revoke func(t *testing.T, h *verificationHarness)
	}{
		{
			name: "newer token minted",
			revoke: func(t *testing.T, h *verificationHarness) {
				if _, _, err := h.svc.MintHandoffToken(context.Background(), "1001", "cust-1"); err != nil {
					t.Fatalf("second MintHandoffToken: %v", err)
				}
			},
		},
		{
			name: "verification completed",
			revoke: func(t *testing.T, h *verificationHarness) {
				if _, err := h.svc.Complete(context.Background(), "1001", "cust-1", true); err != nil {
					t.Fatalf("Complete: %v", err)
				}
			},
		},
		{
			name: "session expired",
			revoke: func(t *testing.T, h *verificationHarness) {
				h.clock.Advance(73 * time.Hour)
				if n, err := h.svc.ExpireStale(context.Background()); err != nil || n != 1 {
					t.Fatalf("expected one expired session, got %d (%v)", n, err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newVerificationHarness(t, func(cfg *config.VerificationConfig) {
				cfg.HandoffTTL = 100 * time.Hour
			})
			h.toReview(t)

			token, _, err := h.svc.MintHandoffToken(context.Background(), "1001", "cust-1")
			if err != nil {
				t.Fatalf("MintHandoffToken: %v", err)
			}
			tt.revoke(t, h)

			if _, err := h.svc.ConsumeHandoffToken(context.Background(), token); !errors.Is(err, domain.ErrTokenAlreadyUsed) {
				t.Fatalf("expected the earlier token revoked, got %v", err)
			}
		})
	}
}

func TestVerification_HandoffIssuanceIsRateLimited(t *testing.T) {
	h := newVerificationHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.Start(ctx, "1001", "cust-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := h.svc.MintHandoffToken(ctx, "1001", "cust-1"); err != nil {
			t.Fatalf("mint %d: %v", i+1, err)
		}
	}
	_, _, err := h.svc.MintHandoffToken(ctx, "1001", "cust-1")
	var rle *RateLimitError
	if !errors.As(err, &rle) || !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rle.RetryAfterSeconds != 3600 {
		t.Fatalf("expected retry after the full window, got %d", rle.RetryAfterSeconds)
	}

	h.clock.Advance(time.Hour)
	if _, _, err := h.svc.MintHandoffToken(ctx, "1001", "cust-1"); err != nil {
		t.Fatalf("expected a new window to allow issuance, got %v", err)
	}
}

func TestVerification_ExpireStaleCancelsIdleSessions(t *testing.T) {
	h := newVerificationHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.Start(ctx, "1001", "cust-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.svc.SubmitBankDetails(ctx, "1001", "cust-1", validBank); err != nil {
		t.Fatalf("SubmitBankDetails: %v", err)
	}
	if _, err := h.svc.UploadDocument(ctx, "1001", "cust-1", domain.DocBankProof, []byte("%PDF")); err != nil {
		t.Fatalf("UploadDocument: %v", err)
	}

	h.clock.Advance(73 * time.Hour)
	n, err := h.svc.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one expired session, got %d (%v)", n, err)
	}
	if _, err := h.svc.UploadDocument(ctx, "1001", "cust-1", domain.DocGovernmentIDFront, []byte("x")); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected cancelled session unusable, got %v", err)
	}

	session, err := h.svc.Start(ctx, "1001", "cust-1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if session.CurrentStep != domain.StepBankInfo || session.Cancelled {
		t.Fatalf("expected a fresh step-1 session, got %+v", session)
	}
	if !session.Documents[domain.DocBankProof] {
		t.Fatal("expected uploaded documents carried into the restarted session")
	}
}

func TestMemoryRateLimiter(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	c := newClock(time.Date(2026, time.October, 17, 9, 0, 0, 0, time.UTC))
	limiter.now = c.Now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _, _ := limiter.Check(ctx, "b", "k", 2, 60); !ok {
			t.Fatalf("expected request %d allowed", i+1)
		}
	}
	c.Advance(20 * time.Second)
	ok, retry, _ := limiter.Check(ctx, "b", "k", 2, 60)
	if ok || retry != 40 {
		t.Fatalf("expected denial with 40s retry, got %t %d", ok, retry)
	}
	if ok, _, _ := limiter.Check(ctx, "b", "other", 2, 60); !ok {
		t.Fatal("expected keys limited independently")
	}
	c.Advance(40 * time.Second)
	if ok, _, _ := limiter.Check(ctx, "b", "k", 2, 60); !ok {
		t.Fatal("expected a new window after expiry")
	}
}

func TestVerification_AccountWarningCanBeAccepted(t *testing.T) {
	repeated := validBank
	repeated.AccountNumber = "11111111"

	strict := newVerificationHarness(t, nil)
	ctx := context.Background()
	strict.svc.Start(ctx, "1001", "cust-1")
	var verrs domain.ValidationErrors
	if _, err := strict.svc.SubmitBankDetails(ctx, "1001", "cust-1", repeated); !errors.As(err, &verrs) || verrs["account_number"] == "" {
		t.Fatalf("expected repeated digits rejected by default, got %v", err)
	}

	lenient := newVerificationHarness(t, func(c *config.VerificationConfig) { c.AllowAccountWarning = true })
	lenient.svc.Start(ctx, "1001", "cust-1")
	if _, err := lenient.svc.SubmitBankDetails(ctx, "1001", "cust-1", repeated); err != nil {
		t.Fatalf("expected the warning accepted, got %v", err)
	}
}
