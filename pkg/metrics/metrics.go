// Package metrics provides Prometheus instrumentation for connector
// activity: API request volume and latency, records fetched, token
// refreshes, and rate limiter waits.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequests counts outbound vendor API requests.
	// Labels: vendor, operation (fetch/schema/objects/auth), status (success/failure)
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_api_requests_total",
			Help: "Total number of vendor API requests",
		},
		[]string{"vendor", "operation", "status"},
	)

	// RequestLatency tracks vendor API request latency in seconds.
	// Labels: vendor, operation
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_request_latency_seconds",
			Help:    "Vendor API request latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"vendor", "operation"},
	)

	// RecordsFetched counts records returned by fetches.
	// Labels: vendor, object
	RecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_records_fetched_total",
			Help: "Total number of records fetched",
		},
		[]string{"vendor", "object"},
	)

	// PagesFetched counts pages walked during pagination.
	// Labels: vendor
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_pages_fetched_total",
			Help: "Total number of result pages fetched",
		},
		[]string{"vendor"},
	)

	// TokenRefreshes counts token refresh attempts.
	// Labels: vendor, status (success/failure)
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_token_refreshes_total",
			Help: "Total number of access token refresh attempts",
		},
		[]string{"vendor", "status"},
	)

	// RateLimitWaits tracks time spent waiting on the rate limiter.
	// Labels: vendor
	RateLimitWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_rate_limit_wait_seconds",
			Help:    "Time spent waiting for rate limit clearance in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 60},
		},
		[]string{"vendor"},
	)

	// PartialFailures counts fail-soft fetches that returned records
	// alongside errors.
	// Labels: vendor
	PartialFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_partial_failures_total",
			Help: "Total number of fetches completed with partial errors",
		},
		[]string{"vendor"},
	)
)

// Timer measures one operation and records it on Stop.
type Timer struct {
	start     time.Time
	vendor    string
	operation string
}

// NewTimer starts a latency timer for a vendor operation.
func NewTimer(vendor, operation string) *Timer {
	return &Timer{start: time.Now(), vendor: vendor, operation: operation}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	RequestLatency.WithLabelValues(t.vendor, t.operation).Observe(elapsed.Seconds())
	return elapsed
}

// ObserveRequest records one API request outcome.
func ObserveRequest(vendor, operation string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	APIRequests.WithLabelValues(vendor, operation, status).Inc()
}
