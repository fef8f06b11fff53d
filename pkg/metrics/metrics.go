// Package metrics provides the Prometheus registry and HTTP handler for the
// dashboard cache. All metrics are defined in their respective packages
// (cache, inflight, client, coordinator, ...) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the dashboard cache.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered with Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics endpoint for Gatherer.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - dashboard_cache_hits_total{kind} (Counter): Fresh hits by entry kind (live, fallback)
//   - dashboard_cache_misses_total (Counter): Missing or stale lookups
//   - dashboard_cache_writes_total{kind} (Counter): Entries written by kind
//   - dashboard_cache_evictions_total{reason} (Counter): Evictions (explicit, pattern, ttl, clear)
//   - dashboard_cache_entries (Gauge): Current number of entries
//
// In-Flight Metrics (pkg/inflight):
//   - dashboard_inflight_started_total (Counter): Backend loads started
//   - dashboard_inflight_shared_total (Counter): Callers that joined a running load
//   - dashboard_inflight_aborted_total (Counter): Loads aborted because every caller left
//   - dashboard_inflight_active (Gauge): Loads currently running
//
// Backend Metrics (pkg/client):
//   - dashboard_backend_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - dashboard_backend_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - dashboard_backend_errors_total{class} (Counter): Errors by class (client, server, network, cancelled)
//   - dashboard_backend_304_responses_total (Counter): 304 Not Modified revalidations
//   - dashboard_backend_retries_total{error_class} (Counter): Retry attempts by error class
//   - dashboard_backend_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - dashboard_backend_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Fallback Metrics (pkg/fallback):
//   - dashboard_fallback_resolutions_total{endpoint, outcome} (Counter): produced, failed, none, ineligible
//
// Connectivity Metrics (pkg/connectivity):
//   - dashboard_backend_offline (Gauge): 1 while offline mode is enabled
//   - dashboard_connectivity_transitions_total{to} (Counter): Offline/online transitions
//
// Invalidation Metrics (pkg/invalidation):
//   - dashboard_invalidation_events_total{source} (Counter): Events by source (local, remote)
//   - dashboard_invalidation_notifications_total (Counter): Handler invocations
//   - dashboard_invalidation_handler_panics_total (Counter): Recovered handler panics
//   - dashboard_invalidation_subscribers (Gauge): Current subscriptions
//   - dashboard_invalidation_relay_messages_total{direction} (Counter): Redis relay traffic
//
// Coordinator Metrics (pkg/coordinator):
//   - dashboard_coordinator_fetches_total{source} (Counter): Fetches by source (hit, miss, shared, fallback)
//   - dashboard_coordinator_failures_total{class} (Counter): Failed or degraded loads by class
//   - dashboard_coordinator_bindings (Gauge): Active bindings
//
// Batch Metrics (pkg/batch):
//   - dashboard_batch_resources_total{outcome} (Counter): loaded, degraded, failed
//   - dashboard_batch_duration_seconds (Histogram): Duration of complete batches
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(dashboard_cache_hits_total[5m])) /
//   (sum(rate(dashboard_cache_hits_total[5m])) + sum(rate(dashboard_cache_misses_total[5m])))
//
//   # Request sharing ratio
//   rate(dashboard_inflight_shared_total[5m]) / rate(dashboard_inflight_started_total[5m])
//
//   # Offline mode
//   dashboard_backend_offline == 1
//
//   # Fallback rate per endpoint
//   sum by (endpoint) (rate(dashboard_fallback_resolutions_total{outcome="produced"}[5m]))
//
//   # P95 Backend Latency
//   histogram_quantile(0.95, rate(dashboard_backend_request_duration_seconds_bucket[5m]))
