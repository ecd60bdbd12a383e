package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Session resolution metrics
	ResolutionsTotal      *prometheus.CounterVec // outcome: authenticated|unauthenticated|degraded|error
	ResolutionDuration    *prometheus.HistogramVec
	ResolutionStepsTotal  *prometheus.CounterVec // step x outcome
	ProvisionAttemptsTotal *prometheus.CounterVec

	// Login metrics
	LoginsTotal *prometheus.CounterVec // outcome: success|invalid_credentials|inactive|degraded|error

	// Cache metrics
	CacheHitsTotal       *prometheus.CounterVec // tier: primary|backup
	CacheMissesTotal     prometheus.Counter
	CacheCorruptionTotal prometheus.Counter
	CacheWritesTotal     *prometheus.CounterVec // outcome: ok|error

	// Store metrics
	LiveStores     prometheus.Gauge
	SafetyTimeouts prometheus.Counter

	// Directory metrics
	DirectoryCallsTotal   *prometheus.CounterVec // procedure x outcome
	DirectoryCallDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortar_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mortar_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortar_session_resolutions_total",
				Help: "Total session resolution attempts by outcome",
			},
			[]string{"outcome"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mortar_session_resolution_duration_seconds",
				Help:    "End-to-end session resolution duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
			[]string{"outcome"},
		),
		ResolutionStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortar_session_resolution_steps_total",
				Help: "Resolver step executions by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		ProvisionAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortar_session_provision_attempts_total",
				Help: "Auto-provisioning attempts by outcome",
			},
			[]string{"outcome"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortar_logins_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortar_session_cache_hits_total",
				Help: "Session cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mortar_session_cache_misses_total",
				Help: "Session cache misses (both tiers empty or expired)",
			},
		),
		CacheCorruptionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mortar_session_cache_corruption_total",
				Help: "Cache entries discarded because they failed to deserialize",
			},
		),
		CacheWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortar_session_cache_writes_total",
				Help: "Session cache writes by outcome",
			},
			[]string{"outcome"},
		),
		LiveStores: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mortar_session_stores_live",
				Help: "Session stores currently initialized and not disposed",
			},
		),
		SafetyTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mortar_session_safety_timeouts_total",
				Help: "Times the loading state was forcibly exited by the safety timeout",
			},
		),
		DirectoryCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mortar_directory_calls_total",
				Help: "Directory stored-procedure calls by procedure and outcome",
			},
			[]string{"procedure", "outcome"},
		),
		DirectoryCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mortar_directory_call_duration_seconds",
				Help:    "Directory stored-procedure call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"procedure"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.ResolutionStepsTotal,
		m.ProvisionAttemptsTotal,
		m.LoginsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheCorruptionTotal,
		m.CacheWritesTotal,
		m.LiveStores,
		m.SafetyTimeouts,
		m.DirectoryCallsTotal,
		m.DirectoryCallDuration,
	)

	return m
}

// DefaultMetrics creates metrics on a fresh registry and returns both
func DefaultMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	return NewMetrics(registry), registry
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request metrics
func (m *Metrics) InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
