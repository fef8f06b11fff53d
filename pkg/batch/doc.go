// Package batch fetches several dashboard resources in parallel.
//
// A dashboard page usually needs a handful of resources at once (products,
// stock, stores). FetchAll spreads them over a bounded worker pool, routes
// every load through the coordinator so the cache, request sharing and
// fallback data all apply, and returns a name → outcome map.
//
// Example usage:
//
//	fetcher := batch.NewFetcher(coord, batch.DefaultConfig())
//	results, err := fetcher.FetchAll(ctx, []batch.Request{
//		batch.NewRequest("products", "/api/products", nil),
//		batch.NewRequest("stock", "/api/stock_data", nil),
//	})
//
// The fetcher:
//   - Runs at most MaxConcurrency loads at a time (default 6)
//   - Bounds every load by Timeout
//   - Keeps going when single resources fail (partial results)
//   - Logs progress for large batches
//
// Warm uses the same pool to prime the cache with a list of endpoints at
// startup.
package batch
