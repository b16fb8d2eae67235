package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Write sources.
const (
	SourcePrecache = "precache"
	SourceRuntime  = "runtime"
)

var (
	// CacheLookups tracks lookups by result
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_lookups_total",
			Help: "Total number of offline cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// CacheWrites tracks entry writes by source and status
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_writes_total",
			Help: "Total number of offline cache entry writes",
		},
		[]string{"source", "status"}, // "precache"|"runtime", "ok"|"error"
	)

	// CacheWrittenBytes tracks body bytes written by source
	CacheWrittenBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_written_bytes_total",
			Help: "Total response body bytes written to the offline cache",
		},
		[]string{"source"},
	)
)

// RecordWrite updates the write metrics for one Put.
func RecordWrite(source string, entry *CacheEntry, err error) {
	if err != nil {
		CacheWrites.WithLabelValues(source, "error").Inc()
		return
	}
	CacheWrites.WithLabelValues(source, "ok").Inc()
	if entry != nil {
		CacheWrittenBytes.WithLabelValues(source).Add(float64(entry.Size()))
	}
}
