// Package metrics exposes the Prometheus registry used by the offline cache.
// Metrics are defined with promauto in the packages that record them
// (cache, client, store, precache, reaper, resolver) and land in the
// default registry; this package serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all offline cache metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics:
//
// Cache (pkg/cache):
//   - offline_cache_lookups_total{result} (Counter): hit, miss, error
//   - offline_cache_writes_total{source, status} (Counter): precache or runtime writes
//   - offline_cache_written_bytes_total{source} (Counter): bytes written per source
//
// Store (pkg/store):
//   - offline_store_errors_total{backend, operation} (Counter)
//
// Fetch (pkg/client):
//   - offline_fetch_requests_total{status} (Counter)
//   - offline_fetch_duration_seconds{class} (Histogram)
//   - offline_fetch_errors_total{class} (Counter): client, server, network
//
// Lifecycle:
//   - offline_precache_items_total{outcome} (Counter): stored, failed
//   - offline_precache_duration_seconds (Histogram)
//   - offline_generations_deleted_total{status} (Counter): deleted, absent, error
//   - offline_resolutions_total{outcome} (Counter): hit, miss, fallback, network_error, declined
//
// Example queries:
//
//   # Offline hit ratio
//   sum(rate(offline_resolutions_total{outcome="hit"}[5m])) /
//   sum(rate(offline_resolutions_total{outcome!="declined"}[5m]))
//
//   # Requests answered without the network being reachable
//   rate(offline_resolutions_total{outcome=~"fallback|network_error"}[5m])
