// Package cache shields the document database from repeated identical queries.
//
// It provides a generic bounded LRU primitive with hit/miss accounting, a
// canonical query fingerprint that is stable under parameter reordering, TTL
// policies, and a QueryCache that stores results per fingerprint and partition
// key with lazy expiry and pattern-based invalidation.
package cache
