// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values for AcquireTotal.
const (
	OutcomeGranted  = "granted"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

var (
	// AcquireTotal tracks lock acquisition attempts by outcome.
	AcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pglock_acquire_total",
			Help: "Total lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	// AcquireWait tracks the wait time of granted acquisitions.
	AcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pglock_acquire_wait_seconds",
			Help:    "Wait time until a lock was granted in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// HeldLocks tracks the number of locks currently held by this process.
	HeldLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pglock_held_locks",
			Help: "Number of locks currently held by this process",
		},
	)

	// ReleaseFailures tracks failed explicit release calls. These are
	// swallowed because session teardown releases the lock anyway, so
	// this counter is the only place they stay visible.
	ReleaseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pglock_release_failures_total",
			Help: "Total failed explicit release calls (recovered by session teardown)",
		},
	)
)

// RegisterMetricsEndpoint registers the /metrics endpoint on a Gin router.
func RegisterMetricsEndpoint(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// RegisterMetricsEndpointWithPath registers the metrics endpoint at a custom path.
func RegisterMetricsEndpointWithPath(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RecordAcquire records a lock acquisition attempt.
func RecordAcquire(outcome string) {
	AcquireTotal.WithLabelValues(outcome).Inc()
}

// ObserveAcquireWait records the wait time of a granted acquisition.
func ObserveAcquireWait(seconds float64) {
	AcquireWait.Observe(seconds)
}

// IncHeldLocks increments the held-locks gauge.
func IncHeldLocks() {
	HeldLocks.Inc()
}

// DecHeldLocks decrements the held-locks gauge.
func DecHeldLocks() {
	HeldLocks.Dec()
}

// RecordReleaseFailure records a failed explicit release.
func RecordReleaseFailure() {
	ReleaseFailures.Inc()
}
