// Package metrics holds the Prometheus collectors of the upload service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Upload results
const (
	ResultSuccess      = "success"
	ResultRejected     = "rejected"
	ResultFailed       = "failed"
	ResultUnauthorized = "unauthorized"
)

// Metrics groups the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	uploads       *prometheus.CounterVec
	uploadedFiles prometheus.Counter
	uploadedBytes prometheus.Counter
	authFailures  *prometheus.CounterVec
	keyFetches    *prometheus.CounterVec
}

// New registers every collector, plus the Go and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests processed",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_requests_total",
			Help: "Upload requests by result",
		}, []string{"result"}), // result: success|rejected|failed|unauthorized
		uploadedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upload_files_total",
			Help: "Files persisted by successful uploads",
		}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "Bytes persisted by successful uploads",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Rejected bearer tokens by kind",
		}, []string{"kind"}),
		keyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_fetches_total",
			Help: "Key set requests by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.uploads,
		m.uploadedFiles,
		m.uploadedBytes,
		m.authFailures,
		m.keyFetches,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveUpload records the outcome of one upload request.
func (m *Metrics) ObserveUpload(result string, files int, bytes int64) {
	m.uploads.WithLabelValues(result).Inc()
	if result == ResultSuccess {
		m.uploadedFiles.Add(float64(files))
		m.uploadedBytes.Add(float64(bytes))
	}
}

// ObserveAuthFailure records a rejected token.
func (m *Metrics) ObserveAuthFailure(kind string) {
	m.authFailures.WithLabelValues(kind).Inc()
}

// ObserveKeyFetch matches the key cache fetch observer signature.
func (m *Metrics) ObserveKeyFetch(kid string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.keyFetches.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
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
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
