// Package metrics provides Prometheus metrics for the token service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common labels.
const (
	LabelService   = "service"
	LabelMethod    = "method"
	LabelPath      = "path"
	LabelStatus    = "status"
	LabelProvider  = "provider"
	LabelOperation = "operation"
	LabelOutcome   = "outcome"
	LabelComponent = "component"
)

// Token lookup outcomes.
const (
	OutcomeValid         = "valid"
	OutcomeRefreshed     = "refreshed"
	OutcomeReauthorize   = "reauthorization_required"
	OutcomeError         = "error"
	OutcomeRefreshFailed = "refresh_failed"
	OutcomeSkipped       = "skipped"
)

// Metrics contains all Prometheus metrics for the service.
type Metrics struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	tokenLookups            *prometheus.CounterVec
	tokenWrites             *prometheus.CounterVec
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	rateLimitWait           *prometheus.HistogramVec

	sweepRuns   *prometheus.CounterVec
	sweepTokens *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec
	circuitBreakerTrips *prometheus.CounterVec

	dbConnectionsActive *prometheus.GaugeVec
	dbConnectionsIdle   *prometheus.GaugeVec
}

// Config holds metrics configuration.
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	Namespace   string `mapstructure:"namespace"`
	Subsystem   string `mapstructure:"subsystem"`
}

// New creates a Metrics instance on its own registry.
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "tokenkeeper"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		serviceName: cfg.ServiceName,
		registry:    registry,
	}

	factory := promauto.With(registry)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m.httpRequestsTotal = counter("http_requests_total", "Total number of HTTP requests.",
		LabelService, LabelMethod, LabelPath, LabelStatus)
	m.httpRequestDuration = histogram("http_request_duration_seconds", "HTTP request latency in seconds.",
		prometheus.DefBuckets, LabelService, LabelMethod, LabelPath, LabelStatus)

	m.tokenLookups = counter("token_lookups_total", "Access token lookups by outcome.",
		LabelProvider, LabelOutcome)
	m.tokenWrites = counter("token_writes_total", "Token records written, by operation.",
		LabelProvider, LabelOperation)
	m.providerRequestsTotal = counter("provider_requests_total", "Requests sent to provider endpoints.",
		LabelProvider, LabelOperation, LabelStatus)
	m.providerRequestDuration = histogram("provider_request_duration_seconds", "Provider endpoint latency in seconds.",
		prometheus.DefBuckets, LabelProvider, LabelOperation)
	m.rateLimitWait = histogram("rate_limit_wait_seconds", "Time spent waiting on the per-provider rate limiter.",
		prometheus.ExponentialBuckets(0.001, 4, 8), LabelProvider)

	m.sweepRuns = counter("refresh_sweep_runs_total", "Proactive refresh sweeps by result.", LabelStatus)
	m.sweepTokens = counter("refresh_sweep_tokens_total", "Tokens handled by the refresh sweep.",
		LabelProvider, LabelOutcome)

	m.circuitBreakerState = gauge("circuit_breaker_state", "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		LabelComponent)
	m.circuitBreakerTrips = counter("circuit_breaker_trips_total", "Total number of circuit breaker trips.",
		LabelComponent)

	m.dbConnectionsActive = gauge("db_connections_active", "Number of active database connections.", LabelComponent)
	m.dbConnectionsIdle = gauge("db_connections_idle", "Number of idle database connections.", LabelComponent)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request served by this process.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(m.serviceName, method, path, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(m.serviceName, method, path, statusStr).Observe(duration.Seconds())
}

// RecordTokenLookup counts one AccessToken call by outcome.
func (m *Metrics) RecordTokenLookup(provider, outcome string) {
	if m == nil {
		return
	}
	m.tokenLookups.WithLabelValues(provider, outcome).Inc()
}

// RecordTokenWrite counts a persisted token record.
func (m *Metrics) RecordTokenWrite(provider, operation string) {
	if m == nil {
		return
	}
	m.tokenWrites.WithLabelValues(provider, operation).Inc()
}

// RecordProviderRequest records one round trip to a provider endpoint.
// status is zero when no HTTP response was received.
func (m *Metrics) RecordProviderRequest(provider, operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerRequestsTotal.WithLabelValues(provider, operation, strconv.Itoa(status)).Inc()
	m.providerRequestDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordRateLimitWait records how long a call waited for a rate limit token.
func (m *Metrics) RecordRateLimitWait(provider string, wait time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.WithLabelValues(provider).Observe(wait.Seconds())
}

// RecordSweep records the result of one refresh sweep.
func (m *Metrics) RecordSweep(status string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(status).Inc()
}

// RecordSweepToken records what the sweep did with one token.
func (m *Metrics) RecordSweepToken(provider, outcome string) {
	if m == nil {
		return
	}
	m.sweepTokens.WithLabelValues(provider, outcome).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(component string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip.
func (m *Metrics) RecordCircuitBreakerTrip(component string) {
	if m == nil {
		return
	}
	m.circuitBreakerTrips.WithLabelValues(component).Inc()
}

// SetDBConnections sets the database connection counts.
func (m *Metrics) SetDBConnections(component string, active, idle int) {
	if m == nil {
		return
	}
	m.dbConnectionsActive.WithLabelValues(component).Set(float64(active))
	m.dbConnectionsIdle.WithLabelValues(component).Set(float64(idle))
}

// HTTPMiddleware returns an HTTP middleware that records request metrics.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

var globalMetrics *Metrics

// Init initializes the global metrics instance.
func Init(cfg Config) *Metrics {
	globalMetrics = New(cfg)
	return globalMetrics
}

// Default returns the global metrics instance, which may be nil.
func Default() *Metrics {
	return globalMetrics
}
