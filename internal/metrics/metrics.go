// Package metrics provides Prometheus instrumentation for the marketplace
// engine.
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
	// BidsCreated counts bids accepted into the book.
	BidsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bullionx_bids_created_total",
		Help: "Total bids created",
	})

	// MatchAttempts counts matching passes by outcome:
	// filled, partial, unmatched, conflict.
	MatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bullionx_match_attempts_total",
		Help: "Matching passes by outcome",
	}, []string{"outcome"})

	// FillQuantity accumulates units filled, partitioned by entry point.
	FillQuantity = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bullionx_fill_quantity_total",
		Help: "Units filled across all orders",
	}, []string{"flow"}) // "auto" or "manual"

	// ConflictRetries counts match attempts retried after a lost
	// quantity race.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bullionx_conflict_retries_total",
		Help: "Match attempts retried after a concurrency conflict",
	})

	// SpotFallbacks counts pricing computations that fell back to stored
	// static prices because no spot price was available.
	SpotFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bullionx_spot_fallbacks_total",
		Help: "Pricing computations degraded to static fallback",
	}, []string{"metal"})

	// MatchLatency tracks end-to-end match attempt duration.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bullionx_match_latency_seconds",
		Help:    "Match attempt latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bullionx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bullionx_http_request_duration_seconds",
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
