// Package cache provides the in-memory resource cache used by the
// dashboard cache coordinator.
//
// The store implements the following features:
//
// - Deterministic resource keys (endpoint + sorted query parameters)
// - Per-endpoint TTL policy with a 60s default
// - Atomic per-key writes stamped with a monotonic version
// - Exact and substring (pattern) eviction
// - Background sweep of expired entries (default every 5 minutes)
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	store := cache.NewStore(cache.DefaultConfig())
//
//	key := cache.NewKey("/api/products", url.Values{"category": []string{"5"}})
//
//	if entry, ok := store.Fresh(key); ok {
//		// serve entry.Value
//	}
//
//	entry := store.Write(key, body, cache.WriteOptions{ETag: etag})
//
// # Invalidation
//
//	store.Evict(key.String())
//	store.EvictByPattern("/api/products") // also /api/products?category=5
//
// # Sweeping
//
//	go store.Run(ctx) // removes expired entries until ctx is done
//
// # Metrics
//
//   - dashboard_cache_hits_total{kind} - Fresh reads (live or fallback)
//   - dashboard_cache_misses_total - Absent or stale reads
//   - dashboard_cache_writes_total{kind} - Writes
//   - dashboard_cache_evictions_total{reason} - Evictions
//   - dashboard_cache_entries - Current entry count
package cache
