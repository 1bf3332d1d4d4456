// Package metrics exposes the Prometheus registry used by the server
// process for job, queue, lock, callback and startup statistics (the
// "capacity metrics" the StatisticsSnapshot data model calls for). The
// registry is intentionally handler-agnostic: the HTTP framework that
// serves it is outside this module's scope, so callers mount Handler()
// on whatever mux they already run.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cidx_queue_depth",
			Help: "Current number of queued operations by repository key",
		},
		[]string{"repo_key"},
	)

	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cidx_jobs_processed_total",
			Help: "Total number of jobs processed by final status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cidx_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Lock metrics
	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cidx_locks_held",
			Help: "Current number of held repository locks",
		},
	)

	StaleLocksCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cidx_stale_locks_cleaned_total",
			Help: "Total number of stale lock files removed during recovery",
		},
	)

	// Callback metrics
	CallbacksDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cidx_callbacks_delivered_total",
			Help: "Total number of webhook callbacks by terminal outcome",
		},
		[]string{"outcome"},
	)

	CallbackRetries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cidx_callback_attempts",
			Help:    "Number of attempts a callback took before reaching a terminal state",
			Buckets: []float64{1, 2, 3, 4},
		},
	)

	// WAL / persistence metrics
	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cidx_wal_append_duration_seconds",
			Help:    "Time taken to append and flush a WAL record",
			Buckets: []float64{.0005, .001, .002, .005, .01, .025, .05, .1},
		},
	)

	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cidx_checkpoints_total",
			Help: "Total number of WAL checkpoints written",
		},
	)

	// Orphan / recovery metrics
	OrphansCleanedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cidx_orphans_cleaned_total",
			Help: "Total number of orphaned resources cleaned, by resource type",
		},
		[]string{"resource_type"},
	)

	StartupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cidx_startup_phase_duration_seconds",
			Help:    "Recovery phase duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"phase"},
	)

	DegradedResources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cidx_degraded_resources",
			Help: "Current number of resources marked unavailable by degraded mode",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		JobsProcessedTotal,
		JobDuration,
		LocksHeld,
		StaleLocksCleaned,
		CallbacksDeliveredTotal,
		CallbackRetries,
		WALAppendDuration,
		CheckpointsTotal,
		OrphansCleanedTotal,
		StartupDuration,
		DegradedResources,
	)
}

// Handler returns the Prometheus scrape handler for mounting on an
// embedding server's mux.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
