// Package metrics declares the prometheus metrics exported by the
// indexing pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivist_scheduler_in_flight",
			Help: "Current in-flight block count (added - finished)",
		},
	)

	SchedulerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivist_scheduler_queue_depth",
			Help: "Pending items in the priority heap",
		},
	)

	SchedulerSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivist_scheduler_submitted_total",
			Help: "Total number of blocks submitted to the executor pool",
		},
	)

	SchedulerCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivist_scheduler_completed_total",
			Help: "Total number of blocks completed by the executor pool",
		},
	)

	// Runtime version cache metrics
	VersionCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivist_version_cache_hits_total",
			Help: "Total number of runtime version cache hits",
		},
	)

	VersionCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivist_version_cache_misses_total",
			Help: "Total number of runtime version cache misses",
		},
	)

	// Executor metrics
	BlockExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archivist_block_execution_duration_seconds",
			Help:    "Time taken to execute a single block",
			Buckets: prometheus.DefBuckets,
		},
	)

	BlockExecutionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivist_block_execution_failures_total",
			Help: "Total number of blocks that failed execution and were skipped",
		},
	)

	// Database actor metrics
	DBInsertDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archivist_db_insert_duration_seconds",
			Help:    "Time taken by relational insert operations, by table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	DBRowsInsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivist_db_rows_inserted_total",
			Help: "Total rows inserted, by table",
		},
		[]string{"table"},
	)

	DBSpinWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archivist_db_spin_waits_total",
			Help: "Total number of spin-wait iterations, by stage",
		},
		[]string{"stage"},
	)

	// Pipeline metrics
	BlocksIndexedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archivist_blocks_indexed_total",
			Help: "Total number of blocks discovered and forwarded by the blocks indexer",
		},
	)

	StorageAggregatorBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archivist_storage_aggregator_buffer_size",
			Help: "Number of storage change sets currently buffered",
		},
	)
)

func init() {
	prometheus.MustRegister(SchedulerInFlight)
	prometheus.MustRegister(SchedulerQueueDepth)
	prometheus.MustRegister(SchedulerSubmittedTotal)
	prometheus.MustRegister(SchedulerCompletedTotal)
	prometheus.MustRegister(VersionCacheHitsTotal)
	prometheus.MustRegister(VersionCacheMissesTotal)
	prometheus.MustRegister(BlockExecutionDuration)
	prometheus.MustRegister(BlockExecutionFailuresTotal)
	prometheus.MustRegister(DBInsertDuration)
	prometheus.MustRegister(DBRowsInsertedTotal)
	prometheus.MustRegister(DBSpinWaitsTotal)
	prometheus.MustRegister(BlocksIndexedTotal)
	prometheus.MustRegister(StorageAggregatorBufferSize)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer was created, without
// recording it anywhere.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
