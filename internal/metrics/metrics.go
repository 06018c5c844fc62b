/**
 * @description
 * Prometheus collectors for the settlement service.
 */
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_http_requests_total",
			Help: "HTTP requests by route and status code.",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	webhookOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_webhook_outcomes_total",
			Help: "Transfer-result webhook deliveries by response body.",
		},
		[]string{"outcome"},
	)

	approvalOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_approval_outcomes_total",
			Help: "Per-settlement approval results.",
		},
		[]string{"outcome"},
	)

	settlementsAggregated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_aggregated_total",
			Help: "Settlements created or extended by aggregation runs.",
		},
		[]string{"cycle", "result"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_status_transitions_total",
			Help: "Applied settlement status transitions.",
		},
		[]string{"from", "to"},
	)

	itemsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_items_captured_total",
			Help: "Settlement items captured from completed purchases.",
		},
		[]string{"result"},
	)

	payoutRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_payout_request_duration_seconds",
			Help:    "Latency of transfer requests to the payment provider.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
	)
)

// HTTPMiddleware records request counts and latency per chi route pattern.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordWebhookOutcome(outcome string) {
	webhookOutcomes.WithLabelValues(outcome).Inc()
}

func RecordApprovalOutcome(outcome string) {
	approvalOutcomes.WithLabelValues(outcome).Inc()
}

func RecordSettlementAggregated(cycle, result string) {
	settlementsAggregated.WithLabelValues(cycle, result).Inc()
}

func RecordStatusTransition(from, to string) {
	statusTransitions.WithLabelValues(from, to).Inc()
}

func RecordItemCaptured(result string) {
	itemsCaptured.WithLabelValues(result).Inc()
}

func ObservePayoutRequest(d time.Duration) {
	payoutRequestDuration.Observe(d.Seconds())
}
