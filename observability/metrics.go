package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Key management metrics
	KeyOperationsTotal      *prometheus.CounterVec
	KeyOperationErrorsTotal *prometheus.CounterVec
	DecryptionFailuresTotal *prometheus.CounterVec

	// Routing and generation metrics
	RoutingDecisionsTotal   *prometheus.CounterVec
	GenerationRequestsTotal *prometheus.CounterVec
	GenerationErrorsTotal   *prometheus.CounterVec
	GenerationDuration      *prometheus.HistogramVec
	FallbacksTotal          *prometheus.CounterVec
	FallbackBudgetUsed      prometheus.Gauge
	FallbackBudgetExhausted prometheus.Counter

	// External API metrics
	ExternalAPIRequestsTotal *prometheus.CounterVec
	ExternalAPIErrorsTotal   *prometheus.CounterVec
	ExternalAPIDuration      *prometheus.HistogramVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryTotal    *prometheus.CounterVec
	DBErrorsTotal   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// defaultBuckets are the default histogram buckets for duration metrics (in seconds)
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// generationBuckets cover long-running streamed generations (in seconds)
var generationBuckets = []float64{.5, 1, 2.5, 5, 10, 20, 30, 60, 120}

const namespace = "siza"

// globalMetrics is the global metrics instance
var (
	globalMetrics *Metrics
	metricsMu     sync.Mutex
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		// Key management metrics
		KeyOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keys",
				Name:      "operations_total",
				Help:      "Total number of key management operations",
			},
			[]string{"operation", "provider"},
		),
		KeyOperationErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keys",
				Name:      "operation_errors_total",
				Help:      "Total number of failed key management operations",
			},
			[]string{"operation", "error_type"},
		),
		DecryptionFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keys",
				Name:      "decryption_failures_total",
				Help:      "Total number of stored keys that could not be decrypted",
			},
			[]string{"provider"},
		),

		// Routing and generation metrics
		RoutingDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "decisions_total",
				Help:      "Total number of routing decisions by provider and reason",
			},
			[]string{"provider", "reason"},
		),
		GenerationRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "requests_total",
				Help:      "Total number of provider generation attempts",
			},
			[]string{"provider", "model"},
		),
		GenerationErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "errors_total",
				Help:      "Total number of generation attempts ending in an error event",
			},
			[]string{"provider", "error_type"},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "duration_seconds",
				Help:      "Duration of generation attempts in seconds",
				Buckets:   generationBuckets,
			},
			[]string{"provider", "status"},
		),
		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "fallbacks_total",
				Help:      "Total number of quota-triggered provider fallbacks",
			},
			[]string{"from", "to"},
		),
		FallbackBudgetUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "fallback_budget_used",
				Help:      "Fallbacks consumed from today's process-wide budget",
			},
		),
		FallbackBudgetExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "fallback_budget_exhausted_total",
				Help:      "Total number of fallbacks refused because the daily budget was spent",
			},
		),

		// External API metrics
		ExternalAPIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "requests_total",
				Help:      "Total number of external API requests",
			},
			[]string{"service", "operation"},
		),
		ExternalAPIErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "errors_total",
				Help:      "Total number of external API errors",
			},
			[]string{"service", "operation", "error_type"},
		),
		ExternalAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "external_api",
				Name:      "duration_seconds",
				Help:      "Duration of external API calls in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"service", "operation"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "query_duration_seconds",
				Help:      "Duration of database queries in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"operation", "table"},
		),
		DBQueryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "queries_total",
				Help:      "Total number of database queries",
			},
			[]string{"operation", "table"},
		),
		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "database",
				Name:      "errors_total",
				Help:      "Total number of database errors",
			},
			[]string{"operation", "table"},
		),

		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "response_size_bytes",
				Help:      "Size of HTTP responses in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		// Circuit breaker metrics
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Current state of circuit breakers (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"service"},
		),
	}

	return m
}

// InitMetrics initializes the global metrics instance
func InitMetrics() *Metrics {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = NewMetrics(nil)
	}
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsMu.Lock()
	m := globalMetrics
	metricsMu.Unlock()
	if m == nil {
		return InitMetrics()
	}
	return m
}

// RecordKeyOperation records a successful key management operation
func (m *Metrics) RecordKeyOperation(operation, provider string) {
	m.KeyOperationsTotal.WithLabelValues(operation, provider).Inc()
}

// RecordKeyOperationError records a failed key management operation
func (m *Metrics) RecordKeyOperationError(operation, errorType string) {
	m.KeyOperationErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordDecryptionFailure records a stored key that could not be decrypted
func (m *Metrics) RecordDecryptionFailure(provider string) {
	m.DecryptionFailuresTotal.WithLabelValues(provider).Inc()
}

// RecordRoutingDecision records the provider chosen for a request and why
func (m *Metrics) RecordRoutingDecision(provider, reason string) {
	m.RoutingDecisionsTotal.WithLabelValues(provider, reason).Inc()
}

// RecordGenerationRequest records a generation attempt against a provider
func (m *Metrics) RecordGenerationRequest(provider, model string) {
	m.GenerationRequestsTotal.WithLabelValues(provider, model).Inc()
}

// RecordGenerationError records a generation attempt that ended in an error event
func (m *Metrics) RecordGenerationError(provider, errorType string) {
	m.GenerationErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

// RecordGenerationDuration records how long a generation attempt streamed
func (m *Metrics) RecordGenerationDuration(provider, status string, duration time.Duration) {
	m.GenerationDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordFallback records a fallback hop and the budget consumed so far today
func (m *Metrics) RecordFallback(from, to string, budgetUsed int) {
	m.FallbacksTotal.WithLabelValues(from, to).Inc()
	m.FallbackBudgetUsed.Set(float64(budgetUsed))
}

// RecordFallbackBudgetExhausted records a fallback refused by the daily budget
func (m *Metrics) RecordFallbackBudgetExhausted() {
	m.FallbackBudgetExhausted.Inc()
}

// RecordExternalAPIRequest records an external API request
func (m *Metrics) RecordExternalAPIRequest(service, operation string) {
	m.ExternalAPIRequestsTotal.WithLabelValues(service, operation).Inc()
}

// RecordExternalAPIError records an external API error
func (m *Metrics) RecordExternalAPIError(service, operation, errorType string) {
	m.ExternalAPIErrorsTotal.WithLabelValues(service, operation, errorType).Inc()
}

// RecordExternalAPIDuration records the duration of an external API call
func (m *Metrics) RecordExternalAPIDuration(service, operation string, duration time.Duration) {
	m.ExternalAPIDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration) {
	m.DBQueryTotal.WithLabelValues(operation, table).Inc()
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordDBError records a database error
func (m *Metrics) RecordDBError(operation, table string) {
	m.DBErrorsTotal.WithLabelValues(operation, table).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, duration time.Duration, responseSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// SetCircuitBreakerState sets the current state of a circuit breaker
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	m.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip
func (m *Metrics) RecordCircuitBreakerTrip(service string) {
	m.CircuitBreakerTrips.WithLabelValues(service).Inc()
}

// Timer is a helper for timing operations
type Timer struct {
	start   time.Time
	metrics *Metrics
}

// NewTimer creates a new timer
func (m *Metrics) NewTimer() *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: m,
	}
}

// ObserveGeneration records the generation duration and terminal status
func (t *Timer) ObserveGeneration(provider, status string) {
	t.metrics.RecordGenerationDuration(provider, status, time.Since(t.start))
}

// ObserveExternalAPI records the external API duration
func (t *Timer) ObserveExternalAPI(service, operation string) {
	t.metrics.RecordExternalAPIDuration(service, operation, time.Since(t.start))
}

// ObserveDB records the database query duration
func (t *Timer) ObserveDB(operation, table string) {
	t.metrics.RecordDBQuery(operation, table, time.Since(t.start))
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
