// Package cache defines the response snapshots and request identities that
// the offline cache stores.
//
// A CacheEntry is an immutable snapshot of a successful HTTP response
// (status, headers, body) captured at insertion time. A RequestKey is the
// identity an entry is stored under: the request method plus the absolute
// URL with its fragment removed.
//
// # Request identity
//
//	key, err := cache.NewRequestKey(http.MethodGet, "https://app.example/data?ts=123")
//	key.String()             // "GET https://app.example/data?ts=123"
//	key.Normalized().String() // "GET https://app.example/data"
//
// Normalized keys ignore the query string. Stores use them for lookups when
// the caller asks for query-insensitive matching.
//
// # HTTP conversion
//
//	// Snapshot a live response (the body is restored for the caller)
//	entry, err := cache.ResponseToEntry(key, resp)
//
//	// Rebuild a response from a stored snapshot
//	resp := cache.EntryToResponse(entry, req)
//
// # Metrics
//
//   - offline_cache_lookups_total{result} - Lookups by result (hit, miss, error)
//   - offline_cache_writes_total{source,status} - Entry writes by source (precache, runtime)
//   - offline_cache_written_bytes_total{source} - Body bytes written by source
package cache
