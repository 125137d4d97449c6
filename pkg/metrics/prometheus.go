package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Database Metrics
	dbQueryDuration    *prometheus.HistogramVec
	dbQueryErrorsTotal *prometheus.CounterVec

	// Redis Metrics
	redisCommandsTotal *prometheus.CounterVec
	redisErrorsTotal   *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call Metrics
	callsTotal       *prometheus.CounterVec
	callsActive      prometheus.Gauge
	callsDuration    *prometheus.HistogramVec
	callsFailedTotal *prometheus.CounterVec
	callsSweptTotal  prometheus.Counter

	// Rate Limiting Metrics
	rateLimitBlockedTotal *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		// HTTP Request Metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "db_query_duration_seconds",
				Help:        "Database query latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		dbQueryErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "db_query_errors_total",
				Help:        "Total number of database query errors",
				ConstLabels: labels,
			},
			[]string{"operation", "table"},
		),

		// Redis Metrics
		redisCommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_commands_total",
				Help:        "Total number of Redis commands",
				ConstLabels: labels,
			},
			[]string{"command"},
		),
		redisErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "redis_errors_total",
				Help:        "Total number of Redis errors",
				ConstLabels: labels,
			},
			[]string{"command"},
		),

		// WebSocket Metrics
		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active signaling WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of signaling events",
				ConstLabels: labels,
			},
			[]string{"event", "direction"},
		),
		websocketErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of signaling errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),

		// Call Metrics
		callsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls by final status",
				ConstLabels: labels,
			},
			[]string{"type", "status"},
		),
		callsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of live call sessions",
				ConstLabels: labels,
			},
		),
		callsDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Duration of completed calls in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"type"},
		),
		callsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_failed_total",
				Help:        "Total number of failed call operations",
				ConstLabels: labels,
			},
			[]string{"type", "reason"},
		),
		callsSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "calls_swept_total",
				Help:        "Total number of ringing calls ended by the timeout sweep",
				ConstLabels: labels,
			},
		),

		// Rate Limiting Metrics
		rateLimitBlockedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "rate_limit_blocked_total",
				Help:        "Total number of events dropped by rate limiting",
				ConstLabels: labels,
			},
			[]string{"endpoint"},
		),
	}

	return m
}

// GetRegistry returns the registry all metrics are registered on
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.dbQueryErrorsTotal.WithLabelValues(operation, table).Inc()
	}
}

// RecordRedisCommand records a Redis command
func (m *Metrics) RecordRedisCommand(command string, err error) {
	m.redisCommandsTotal.WithLabelValues(command).Inc()
	if err != nil {
		m.redisErrorsTotal.WithLabelValues(command).Inc()
	}
}

// WebSocket Metrics Methods

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a signaling event; direction is "in" or "out"
func (m *Metrics) RecordWebSocketMessage(event, direction string) {
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// Call Metrics Methods

// RecordCall records a call that reached a final status
func (m *Metrics) RecordCall(callType, status string) {
	m.callsTotal.WithLabelValues(callType, status).Inc()
}

// SetActiveCalls sets the number of active calls
func (m *Metrics) SetActiveCalls(count int) {
	m.callsActive.Set(float64(count))
}

// RecordCallDuration records the duration of a call
func (m *Metrics) RecordCallDuration(callType string, duration time.Duration) {
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordCallFailure records a failed call
func (m *Metrics) RecordCallFailure(callType, reason string) {
	m.callsFailedTotal.WithLabelValues(callType, reason).Inc()
}

// RecordCallSwept records a call ended by the timeout sweep
func (m *Metrics) RecordCallSwept() {
	m.callsSweptTotal.Inc()
}

// RecordRateLimitBlocked records an event dropped by the limiter
func (m *Metrics) RecordRateLimitBlocked(endpoint string) {
	m.rateLimitBlockedTotal.WithLabelValues(endpoint).Inc()
}
