// Package metrics exposes the Prometheus registry of the media cache.
// Metrics are defined in their respective packages (cache, store, eviction,
// fetch, control) and registered via promauto.
//
// This package serves them and documents the catalogue.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the media cache.
var Registry = prometheus.DefaultRegisterer

// BuildInfo reports the running version and static partition
var BuildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "mediacache_build_info",
		Help: "Build and static partition version of the running media cache",
	},
	[]string{"version", "static_version"},
)

// SetBuildInfo records the running version.
func SetBuildInfo(version, staticVersion string) {
	BuildInfo.Reset()
	BuildInfo.WithLabelValues(version, staticVersion).Set(1)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/cache):
//   - mediacache_requests_total{tier} (Counter): Intercepted requests by tier
//   - mediacache_hits_total{tier} (Counter): Cache hits by tier
//   - mediacache_misses_total{tier} (Counter): Cache misses by tier
//   - mediacache_stale_served_total{tier} (Counter): Cached copies served after a network failure
//   - mediacache_degraded_total{tier} (Counter): Requests served network-only after a store error
//   - mediacache_range_responses_total{status} (Counter): Video responses synthesized from cache
//   - mediacache_malformed_ranges_total (Counter): Range headers answered with the whole blob
//
// Store Metrics (pkg/store):
//   - mediacache_store_errors_total{operation} (Counter): Backend failures by operation
//
// Eviction Metrics (pkg/eviction):
//   - mediacache_partition_bytes{partition} (Gauge): Measured bytes after the last trim
//   - mediacache_partition_entries{partition} (Gauge): Entries after the last trim
//   - mediacache_evictions_total{partition} (Counter): Evicted entries
//   - mediacache_evicted_bytes_total{partition} (Counter): Evicted bytes
//   - mediacache_trim_errors_total{partition} (Counter): Failed trim passes
//   - mediacache_trim_duration_seconds{partition} (Histogram): Trim pass duration
//
// Origin Metrics (pkg/fetch):
//   - mediacache_origin_requests_total{method, status} (Counter): Origin requests
//   - mediacache_origin_request_duration_seconds{method} (Histogram): Origin latency
//   - mediacache_origin_errors_total{class} (Counter): Origin errors by class
//   - mediacache_origin_retries_total{error_class} (Counter): Retry attempts
//   - mediacache_origin_retry_backoff_seconds{error_class} (Histogram): Backoff durations
//   - mediacache_origin_retry_exhausted_total{error_class} (Counter): Exhausted retries
//
// Control Metrics (pkg/control):
//   - mediacache_control_messages_total{type, result} (Counter): Control messages
//   - mediacache_invalidated_entries_total{partition} (Counter): Entries removed by invalidation
//
// Example Prometheus Queries:
//
//   # Video Hit Rate
//   sum(rate(mediacache_hits_total{tier="video"}[5m])) /
//   sum(rate(mediacache_requests_total{tier="video"}[5m]))
//
//   # Partition Fill
//   mediacache_partition_bytes{partition="video"}
//
//   # Degraded Requests
//   rate(mediacache_degraded_total[5m])
