package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lock metrics
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepool_lock_acquisitions_total",
			Help: "Total number of file lock acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	LockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodepool_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a file lock in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	StaleLocksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepool_stale_locks_reclaimed_total",
			Help: "Total number of stale lock files reclaimed from dead holders",
		},
	)

	// Instance metrics
	InstanceStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nodepool_instance_starts_total",
			Help: "Total number of cluster instance starts by outcome",
		},
		[]string{"outcome"},
	)

	InstanceRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepool_instance_restarts_total",
			Help: "Total number of restart-on-failure instance restarts",
		},
	)

	InstanceStartupSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodepool_instance_startup_seconds",
			Help:    "Cluster instance startup duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// Session metrics
	SessionsGrantedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nodepool_sessions_granted_total",
			Help: "Total number of cluster sessions granted to test workers",
		},
	)

	SessionWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nodepool_session_wait_seconds",
			Help:    "Time a worker waited for a compatible instance in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
)

func init() {
	prometheus.MustRegister(
		LockAcquisitionsTotal,
		LockWaitSeconds,
		StaleLocksReclaimedTotal,
		InstanceStartsTotal,
		InstanceRestartsTotal,
		InstanceStartupSeconds,
		SessionsGrantedTotal,
		SessionWaitSeconds,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
