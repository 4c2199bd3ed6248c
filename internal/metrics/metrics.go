// Package metrics provides Prometheus instrumentation for the priors engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FitsTotal counts completed fits, partitioned by model name and outcome
	// (ok, low_confidence, fallback).
	FitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "priors_fits_total",
		Help: "Total number of snapshot fits",
	}, []string{"model", "outcome"})

	// FitLatency tracks end-to-end fit duration per model.
	FitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "priors_fit_latency_seconds",
		Help:    "Snapshot fit latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"model"})

	// SkippedSnapshots counts snapshots that produced no record.
	SkippedSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "priors_skipped_snapshots_total",
		Help: "Snapshots skipped, by reason",
	}, []string{"reason"})

	// SamplerDivergences counts divergent post-warm-up transitions.
	SamplerDivergences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "priors_sampler_divergences_total",
		Help: "Divergent sampler transitions after warm-up",
	})

	// RHat records the worst split R-hat of each sampled fit.
	RHat = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "priors_rhat_max",
		Help:    "Maximum split R-hat per fit",
		Buckets: []float64{1.0, 1.01, 1.02, 1.05, 1.1, 1.2, 1.5, 2},
	})

	// StoredRecords counts records appended to the store.
	StoredRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "priors_stored_records_total",
		Help: "Posterior records appended to the snapshot store",
	})

	// CacheRequests counts snapshot cache lookups by result (hit, miss).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "priors_cache_requests_total",
		Help: "Snapshot cache lookups",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "priors_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "priors_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "priors_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
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

		// Route pattern keeps event ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
