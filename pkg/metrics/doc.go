/*
Package metrics declares the Prometheus metrics exported by the indexing
pipeline: scheduler queue depth and in-flight count, runtime-version
cache hit/miss counters, block execution duration and failure counts,
per-table database insert duration and row counts, spin-wait counts, and
the storage aggregator's buffer size.

Handler returns the promhttp handler mounted by the supervisor's ambient
HTTP server at /metrics. Timer is a small helper for observing a
duration against a histogram at the end of an operation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BlockExecutionDuration)
*/
package metrics
