package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync Metrics
var (
	// SyncWritesTotal tracks sync payload writes by outcome (success/failure/rejected)
	SyncWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kairos_sync_writes_total",
			Help: "Total sync payload writes by outcome",
		},
		[]string{"outcome"},
	)

	// SyncWriteDuration tracks how long a successful write took, retries included
	SyncWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kairos_sync_write_duration_seconds",
			Help:    "Sync payload write duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	// SyncRetriesTotal tracks individual retry attempts
	SyncRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kairos_sync_retries_total",
			Help: "Total sync write retry attempts",
		},
	)

	// SyncVersion is the version of the last written payload
	SyncVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kairos_sync_version",
			Help: "Version of the last written sync payload",
		},
	)

	// SyncDebouncedTotal counts publishes coalesced into a pending write
	SyncDebouncedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kairos_sync_debounced_total",
			Help: "Section publishes coalesced by the debounce window",
		},
	)
)

// Circuit Breaker Metrics
var (
	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kairos_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kairos_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// HTTP Metrics
var (
	// HTTPRequestsTotal tracks served requests by route class and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kairos_http_requests_total",
			Help: "Total HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	// HTTPRequestDuration tracks request latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kairos_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// AccessDeniedTotal counts requests rejected by path validation
	AccessDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kairos_access_denied_total",
			Help: "Requests rejected by path validation by reason",
		},
		[]string{"reason"},
	)

	// ServerUp is 1 while the web server is listening
	ServerUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kairos_server_up",
			Help: "1 while the web server is listening",
		},
	)
)

// Poller Metrics
var (
	// PollsTotal tracks client polls by result (changed/unchanged/error)
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kairos_client_polls_total",
			Help: "Sync client polls by result",
		},
		[]string{"result"},
	)
)
