// Package shield is the entry point applications use to reach the document
// database.
//
// A Service composes one query result cache, one connection pool and one
// performance monitor. Reads go through QueryWithCache: a fresh cached
// result is returned without touching the database; a miss runs the query
// on a pooled client, stores the records, and reports the request units it
// cost. Concurrent misses for the same query share one database call.
//
// Writes go straight to the database and then invalidate whatever cached
// queries they affect:
//
//	_, err := svc.CreateItem(ctx, thread, shield.Invalidation{
//	    EntityType: "THREAD",
//	    UserID:     userID,
//	})
//
// Database failures are returned unchanged. When the circuit breaker is open
// or the pool is exhausted, errors wrap ErrUnavailable so handlers can answer
// "service temporarily unavailable" instead of failing outright.
//
// The observability methods (CacheStats, PoolStats, PerformanceSummary,
// Report) only read in-memory state and are safe to call at any time.
package shield
