// Package metrics provides Prometheus instrumentation for the PnL engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ComputationsTotal counts wallet computations by outcome status
	// (completed, early_exit, failed).
	ComputationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_computations_total",
		Help: "Total wallet PnL computations",
	}, []string{"status"})

	// ComputationDuration tracks end-to-end computation latency.
	ComputationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pnl_computation_duration_seconds",
		Help:    "Wallet PnL computation duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	})

	// EventsProcessed counts ledger events folded across all computations.
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_events_processed_total",
		Help: "Total position events folded into ledgers",
	})

	// SelfFillsCollapsed counts wash-trade records dropped by the collapse pass.
	SelfFillsCollapsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_self_fills_collapsed_total",
		Help: "Total self-fill records collapsed",
	})

	// SkippedSells counts sells clamped for exceeding tracked inventory.
	SkippedSells = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_skipped_sells_total",
		Help: "Total sells skipped or clamped beyond tracked inventory",
	})

	// ExportIneligible counts computations that failed the export gate.
	ExportIneligible = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pnl_export_ineligible_total",
		Help: "Computations whose summary failed the export gate",
	})

	// SourceErrors counts collaborator failures by source (events,
	// resolutions, prices).
	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_source_errors_total",
		Help: "Collaborator fetch failures",
	}, []string{"source"})

	// WebSocketClients tracks connected WebSocket subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pnl_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pnl_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pnl_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
