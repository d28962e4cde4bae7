/**
 * @description
 * HTTP handlers for the ACH service. Error kinds map to status codes in one
 * place (respondWithDomainError); raw bank numbers never appear in a response.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/ach-service/internal/app"
	"github.com/transfa/ach-service/internal/domain"
	"github.com/transfa/ach-service/internal/store"
	"github.com/transfa/ach-service/internal/validation"
)

// BatchService is the runner surface exposed to operators.
type BatchService interface {
	Run(ctx context.Context, manual bool) domain.RunResult
	RetryFailedUploads(ctx context.Context) ([]domain.RetryResult, error)
	Reconcile(ctx context.Context) (domain.ReconcileResult, error)
	SettleMatured(ctx context.Context) (domain.SettlementResult, error)
	TestConnection(ctx context.Context) (bool, string)
}

// VerificationService is the wizard surface exposed to customers.
type VerificationService interface {
	Start(ctx context.Context, orderID, customerID string) (*domain.VerificationSession, error)
	SubmitBankDetails(ctx context.Context, orderID, customerID string, in domain.BankDetails) (*domain.VerificationSession, error)
	UploadDocument(ctx context.Context, orderID, customerID string, doc domain.DocumentType, content []byte) (*domain.VerificationSession, error)
	EditBankDetails(ctx context.Context, orderID, customerID string) (*domain.VerificationSession, error)
	ProceedToReview(ctx context.Context, orderID, customerID string) (*domain.VerificationSession, error)
	Complete(ctx context.Context, orderID, customerID string, termsAccepted bool) (*domain.VerificationSession, error)
	Approve(ctx context.Context, orderID, reviewer string) error
	MintHandoffToken(ctx context.Context, orderID, customerID string) (string, time.Time, error)
	ConsumeHandoffToken(ctx context.Context, token string) (*domain.VerificationSession, error)
}

// ScheduleReporter reports registered cron triggers.
type ScheduleReporter interface {
	GetStatus() app.ScheduleStatus
}

// Handler holds the application services the handlers interact with.
type Handler struct {
	batches      BatchService
	batchStore   store.BatchRepository
	verification VerificationService
	schedule     ScheduleReporter
	logger       *slog.Logger

	customerSecret string
	sessionTTL     time.Duration
	maxUpload      int64
	now            func() time.Time
}

// NewHandler creates a new Handler.
func NewHandler(
	batches BatchService,
	batchStore store.BatchRepository,
	verification VerificationService,
	schedule ScheduleReporter,
	logger *slog.Logger,
	customerSecret string,
	sessionTTL time.Duration,
	maxUpload int64,
) *Handler {
	return &Handler{
		batches:        batches,
		batchStore:     batchStore,
		verification:   verification,
		schedule:       schedule,
		logger:         logger,
		customerSecret: customerSecret,
		sessionTTL:     sessionTTL,
		maxUpload:      maxUpload,
		now:            time.Now,
	}
}

func (h *Handler) handleRoutingCheckDigit(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	digit, err := validation.RoutingCheckDigit(prefix)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"check_digit":    digit,
		"routing_number": prefix + strconv.Itoa(digit),
	})
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	batches, err := h.batchStore.ListBatches(r.Context(), r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		h.respondWithDomainError(w, "list batches", err)
		return
	}
	respondWithJSON(w, http.StatusOK, batches)
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid batch id")
		return
	}
	batch, err := h.batchStore.GetBatch(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, "get batch", err)
		return
	}
	items, err := h.batchStore.ListBatchItems(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, "list batch items", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"batch": batch, "items": items})
}

func (h *Handler) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	result := h.batches.Run(r.Context(), true)
	if !result.Success {
		code := http.StatusInternalServerError
		for _, msg := range result.Errors {
			if msg == domain.ErrLockContention.Error() {
				code = http.StatusConflict
			}
		}
		respondWithJSON(w, code, result)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRetryUploads(w http.ResponseWriter, r *http.Request) {
	results, err := h.batches.RetryFailedUploads(r.Context())
	if err != nil {
		h.respondWithDomainError(w, "retry uploads", err)
		return
	}
	respondWithJSON(w, http.StatusOK, results)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.batches.Reconcile(r.Context())
	if err != nil {
		h.respondWithDomainError(w, "reconcile returns", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	result, err := h.batches.SettleMatured(r.Context())
	if err != nil {
		h.respondWithDomainError(w, "settle batches", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	ok, msg := h.batches.TestConnection(r.Context())
	respondWithJSON(w, http.StatusOK, map[string]any{"ok": ok, "message": msg})
}

func (h *Handler) handleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.schedule.GetStatus())
}

func (h *Handler) handleApproveVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reviewer string `json:"reviewer"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = "operator"
	}
	if err := h.verification.Approve(r.Context(), chi.URLParam(r, "orderID"), req.Reviewer); err != nil {
		h.respondWithDomainError(w, "approve verification", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": domain.VerificationVerified})
}

// sessionView is what the wizard sees of a session; the handoff hash stays
// server-side.
type sessionView struct {
	OrderID     string                       `json:"order_id"`
	CurrentStep domain.VerificationStep      `json:"current_step"`
	Bank        domain.BankState             `json:"bank"`
	Documents   map[domain.DocumentType]bool `json:"documents"`
	HandoffOpen bool                         `json:"handoff_open"`
}

func viewOf(s *domain.VerificationSession) sessionView {
	return sessionView{
		OrderID:     s.OrderID,
		CurrentStep: s.CurrentStep,
		Bank:        s.Bank,
		Documents:   s.Documents,
		HandoffOpen: s.Handoff.TokenHash != "",
	}
}

func (h *Handler) customer(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	customerID, ok := CustomerFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return "", "", false
	}
	return customerID, chi.URLParam(r, "orderID"), true
}

func (h *Handler) respondSession(w http.ResponseWriter, op string, session *domain.VerificationSession, err error) {
	if err != nil {
		h.respondWithDomainError(w, op, err)
		return
	}
	respondWithJSON(w, http.StatusOK, viewOf(session))
}

func (h *Handler) handleStartVerification(w http.ResponseWriter, r *http.Request) {
	customerID, orderID, ok := h.customer(w, r)
	if !ok {
		return
	}
	session, err := h.verification.Start(r.Context(), orderID, customerID)
	h.respondSession(w, "start verification", session, err)
}

func (h *Handler) handleSubmitBank(w http.ResponseWriter, r *http.Request) {
	customerID, orderID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req struct {
		RoutingNumber string `json:"routing_number"`
		AccountNumber string `json:"account_number"`
		AccountType   string `json:"account_type"`
		HolderName    string `json:"holder_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	session, err := h.verification.SubmitBankDetails(r.Context(), orderID, customerID, domain.BankDetails{
		RoutingNumber: req.RoutingNumber,
		AccountNumber: req.AccountNumber,
		AccountType:   domain.AccountType(req.AccountType),
		HolderName:    req.HolderName,
	})
	h.respondSession(w, "submit bank details", session, err)
}

func (h *Handler) handleEditBank(w http.ResponseWriter, r *http.Request) {
	customerID, orderID, ok := h.customer(w, r)
	if !ok {
		return
	}
	session, err := h.verification.EditBankDetails(r.Context(), orderID, customerID)
	h.respondSession(w, "edit bank details", session, err)
}

func (h *Handler) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	customerID, orderID, ok := h.customer(w, r)
	if !ok {
		return
	}
	limit := h.maxUpload
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))
	if err := r.ParseMultipartForm(limit); err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "Upload too large or malformed")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Missing file field")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Could not read upload")
		return
	}

	doc := domain.DocumentType(chi.URLParam(r, "docType"))
	session, err := h.verification.UploadDocument(r.Context(), orderID, customerID, doc, content)
	h.respondSession(w, "upload document", session, err)
}

func (h *Handler) handleProceedToReview(w http.ResponseWriter, r *http.Request) {
	customerID, orderID, ok := h.customer(w, r)
	if !ok {
		return
	}
	session, err := h.verification.ProceedToReview(r.Context(), orderID, customerID)
	h.respondSession(w, "proceed to review", session, err)
}

func (h *Handler) handleCompleteVerification(w http.ResponseWriter, r *http.Request) {
	customerID, orderID, ok := h.customer(w, r)
	if !ok {
		return
	}
	var req struct {
		TermsAccepted bool `json:"terms_accepted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	session, err := h.verification.Complete(r.Context(), orderID, customerID, req.TermsAccepted)
	h.respondSession(w, "complete verification", session, err)
}

func (h *Handler) handleMintHandoff(w http.ResponseWriter, r *http.Request) {
	customerID, orderID, ok := h.customer(w, r)
	if !ok {
		return
	}
	token, expiresAt, err := h.verification.MintHandoffToken(r.Context(), orderID, customerID)
	if err != nil {
		h.respondWithDomainError(w, "mint handoff token", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{"token": token, "expires_at": expiresAt})
}

func (h *Handler) handleConsumeHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	session, err := h.verification.ConsumeHandoffToken(r.Context(), req.Token)
	if err != nil {
		h.respondWithDomainError(w, "consume handoff token", err)
		return
	}
	accessToken, err := IssueCustomerToken(h.customerSecret, session.CustomerID, session.OrderID, h.sessionTTL, h.now())
	if err != nil {
		h.respondWithDomainError(w, "issue customer token", err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"access_token": accessToken, "session": viewOf(session)})
}

// respondWithDomainError maps service errors to HTTP responses. Unexpected
// errors are logged and answered generically.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, op string, err error) {
	var verrs domain.ValidationErrors
	var rle *app.RateLimitError
	switch {
	case errors.As(err, &verrs):
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "Validation failed", "fields": verrs})
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds))
		respondWithError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
	case domain.IsTokenError(err):
		respondWithError(w, http.StatusGone, "This link has expired. Please request a new one.")
	case errors.Is(err, domain.ErrLockContention):
		respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidStep):
		respondWithError(w, http.StatusConflict, "This step is not available right now.")
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, store.ErrBatchNotFound):
		respondWithError(w, http.StatusNotFound, "Not found")
	default:
		h.logger.Error("request failed", "operation", op, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to %s", op))
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
