// Package metrics provides Prometheus instrumentation for the order pipeline
// and the reconciliation worker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersSubmitted counts SubmitOrder outcomes by final status.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyledger_orders_submitted_total",
		Help: "Orders that went through the submission pipeline, by resulting status",
	}, []string{"status"})

	// OrdersDeduplicated counts submissions answered with an existing order.
	OrdersDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyledger_orders_deduplicated_total",
		Help: "Submissions that matched an existing order intent",
	})

	// OrderTransitions counts applied status transitions.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyledger_order_transitions_total",
		Help: "Order status transitions applied",
	}, []string{"from", "to"})

	// StaleTransitions counts CAS losses resolved as no-ops.
	StaleTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyledger_stale_transitions_total",
		Help: "Status transitions that lost a compare-and-swap race",
	})

	// SubmitLatency tracks the whole SubmitOrder call.
	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyledger_submit_latency_seconds",
		Help:    "SubmitOrder latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// SubmitAttempts counts exchange POST attempts by result.
	SubmitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyledger_submit_attempts_total",
		Help: "Order submission attempts against the exchange",
	}, []string{"result"})

	// FillsApplied counts ApplyFill outcomes.
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyledger_fills_total",
		Help: "Fill events by outcome",
	}, []string{"outcome"})

	// TransfersApplied counts ApplyTransfer outcomes.
	TransfersApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyledger_transfers_total",
		Help: "Transfer events by outcome",
	}, []string{"outcome"})

	// OrdersTimedOut counts orders failed by the staleness sweeper.
	OrdersTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyledger_orders_timed_out_total",
		Help: "Orders failed by the staleness sweeper, by the status they were stuck in",
	}, []string{"status"})

	// ReconcileErrors counts failed reconciliation passes per loop.
	ReconcileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyledger_reconcile_errors_total",
		Help: "Reconciliation errors by loop",
	}, []string{"loop"})

	// ReconcileDuration tracks each reconciliation pass.
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyledger_reconcile_duration_seconds",
		Help:    "Duration of a reconciliation pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"loop"})

	// MarketsSynced is the size of the last market sync.
	MarketsSynced = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyledger_markets_synced",
		Help: "Markets upserted by the last market sync",
	})

	// HTTPRequestsTotal counts API requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks API request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "route"})
)

// Since observes the seconds elapsed from start on h.
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
