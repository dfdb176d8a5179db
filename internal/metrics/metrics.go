// Package metrics collects Prometheus metrics for the dashboard.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeCached  = "cached"
	OutcomeShared  = "shared"
)

// Metrics holds the dashboard collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	fetchesTotal    *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	staleDiscarded  *prometheus.CounterVec
	sessions        prometheus.Gauge
}

// New creates a registry with all dashboard collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdmview_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdmview_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdmview_query_fetches_total",
			Help: "Record source queries by query name and outcome.",
		}, []string{"query", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mdmview_query_fetch_duration_seconds",
			Help:    "Duration of record source queries that reached the source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"query"}),
		staleDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdmview_stale_results_discarded_total",
			Help: "Query results dropped because the view state moved on before they arrived.",
		}, []string{"query"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdmview_sessions",
			Help: "View sessions currently held in memory.",
		}),
	}
	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.fetchesTotal,
		m.fetchDuration,
		m.staleDiscarded,
		m.sessions,
		collectors.NewGoCollector(),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and duration per route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveFetch records one query against a record source or cache.
func (m *Metrics) ObserveFetch(query, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(query, outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeError {
		m.fetchDuration.WithLabelValues(query).Observe(d.Seconds())
	}
}

// StaleDiscarded counts a result that arrived after its view state was superseded.
func (m *Metrics) StaleDiscarded(query string) {
	if m == nil {
		return
	}
	m.staleDiscarded.WithLabelValues(query).Inc()
}

// SetSessions reports the number of live view sessions.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
