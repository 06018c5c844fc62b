/**
 * @description
 * HTTP router setup for the settlement service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/groble/settlement-service/internal/metrics"
)

// RouterConfig carries the credentials and CORS origins of the HTTP surface.
type RouterConfig struct {
	InternalAPIKey string
	AdminJWTSecret string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers settlement routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Settlement service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// provider callbacks are unauthenticated and always answered with 200
	r.Post("/webhooks/payments/transfer-result", h.handleTransferResult)

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))
		r.Get("/settlements", h.handleListSettlements)
		r.Post("/settlements/approve", h.handleApprove)
		r.Get("/settlements/{id}", h.handleGetSettlement)
		r.Post("/settlements/{id}/hold", h.handleTransition(h.service.HoldSettlement))
		r.Post("/settlements/{id}/retry", h.handleTransition(h.service.RetrySettlement))
		r.Post("/settlements/{id}/cancel", h.handleTransition(h.service.CancelSettlement))
		r.Post("/fee-policies", h.handleCreateFeePolicy)
		r.Post("/fee-policies/{id}/supersede", h.handleSupersedeFeePolicy)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/settlements/aggregate", h.handleAggregate)
		r.Post("/settlements/close-periods", h.handleClosePeriods)
		r.Get("/settlements/{id}/pg-fee-adjustments", h.handlePgFeeAdjustments)
		r.Get("/settlements/{id}/tax-invoice", h.handleTaxInvoice)
		r.Get("/sellers/{sellerID}/tax-invoices/{yearMonth}", h.handleMonthlyTaxInvoice)
		r.Post("/purchases/completed", h.handlePurchaseCompleted)
		r.Post("/purchases/refunded", h.handlePurchaseRefunded)
	})

	return r
}
