package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks fresh reads by entry kind
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_cache_hits_total",
			Help: "Total number of fresh cache reads",
		},
		[]string{"kind"}, // "live", "fallback"
	)

	// CacheMisses tracks reads that found no entry or a stale one
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_cache_misses_total",
			Help: "Total number of cache misses (absent or stale)",
		},
	)

	// CacheWrites tracks store writes by entry kind
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_cache_writes_total",
			Help: "Total number of cache writes",
		},
		[]string{"kind"}, // "live", "fallback"
	)

	// CacheEvictions tracks removed entries by reason
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_cache_evictions_total",
			Help: "Total number of evicted cache entries",
		},
		[]string{"reason"}, // "explicit", "pattern", "ttl", "clear"
	)

	// CacheEntries tracks the current number of entries
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_cache_entries",
			Help: "Current number of cache entries",
		},
	)
)
