/**
 * @description
 * HTTP router for the ACH service using go-chi/chi: operator routes under
 * /internal/ach, the customer verification wizard under /verification.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the ACH routes.
func NewRouter(h *Handler, internalKey, customerSecret string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ACH service is healthy"))
	})
	r.Get("/routing/{prefix}/check-digit", h.handleRoutingCheckDigit)

	r.Route("/internal/ach", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Get("/batches", h.handleListBatches)
		r.Get("/batches/{id}", h.handleGetBatch)
		r.Post("/batches/run", h.handleRunBatch)
		r.Post("/batches/retry", h.handleRetryUploads)
		r.Post("/returns/reconcile", h.handleReconcile)
		r.Post("/settlement/run", h.handleSettle)
		r.Post("/sftp/test", h.handleTestConnection)
		r.Get("/schedule", h.handleScheduleStatus)
		r.Post("/verifications/{orderID}/approve", h.handleApproveVerification)
	})

	r.Post("/verification/handoff/consume", h.handleConsumeHandoff)
	r.Group(func(r chi.Router) {
		r.Use(CustomerAuthMiddleware(customerSecret))
		r.Post("/verification/{orderID}/start", h.handleStartVerification)
		r.Post("/verification/{orderID}/bank", h.handleSubmitBank)
		r.Post("/verification/{orderID}/bank/edit", h.handleEditBank)
		r.Post("/verification/{orderID}/documents/{docType}", h.handleUploadDocument)
		r.Post("/verification/{orderID}/review", h.handleProceedToReview)
		r.Post("/verification/{orderID}/complete", h.handleCompleteVerification)
		r.Post("/verification/{orderID}/handoff", h.handleMintHandoff)
	})

	return r
}
