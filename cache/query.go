package cache

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/observe"
)

// QueryCacheConfig configures a QueryCache.
type QueryCacheConfig struct {
	// Capacity is the maximum number of cached results.
	// Default: 1000
	Capacity int `yaml:"capacity"`

	// Policy controls TTLs. Nil means DefaultPolicy(); a zero Policy, as
	// from NoCachePolicy(), stores only results given an explicit TTL.
	Policy *Policy `yaml:"policy"`

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time `yaml:"-"`

	// Logger receives invalidation diagnostics.
	// Default: no-op
	Logger observe.Logger `yaml:"-"`
}

// SetOptions tunes a single Set.
type SetOptions struct {
	// TTL overrides the policy default; it is still clamped to MaxTTL.
	TTL time.Duration
}

// CachedResult is a result served from the cache.
type CachedResult[T any] struct {
	Data      T
	Cost      float64
	CachedAt  time.Time
	TTL       time.Duration
	FromCache bool
}

// QueryCacheStats is a snapshot of QueryCache counters.
type QueryCacheStats struct {
	Entries            int
	Capacity           int
	Hits               int64
	Misses             int64
	HitRate            float64
	Evictions          int64
	Expired            int64
	Invalidations      int64
	Sets               int64
	TotalCostStored    float64
	AverageCostPerMiss float64
	EstimatedSavedCost float64
}

// EfficiencyReport summarizes how much database cost the cache is saving.
type EfficiencyReport struct {
	HitRate            float64
	AverageCostPerMiss float64
	EstimatedSavedCost float64
	Recommendations    []string
}

type queryEntry[T any] struct {
	data       T
	cost       float64
	insertedAt time.Time
	ttl        time.Duration
}

// QueryCache stores query results keyed by fingerprint and partition key.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Errors: cache operations never fail; an uncacheable query is a miss.
// - Expiry: lazy; an entry older than its TTL is dropped on the read that finds it.
type QueryCache[T any] struct {
	mu     sync.Mutex
	lru    *LRU[string, queryEntry[T]]
	policy Policy
	clock  func() time.Time
	logger observe.Logger

	hits          int64
	misses        int64
	expired       int64
	invalidations int64
	sets          int64
	totalCost     float64
}

// NewQueryCache creates a QueryCache.
func NewQueryCache[T any](cfg QueryCacheConfig) (*QueryCache[T], error) {
	if cfg.Capacity == 0 {
		cfg.Capacity = 1000
	}
	policy := DefaultPolicy()
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}

	lru, err := NewLRU[string, queryEntry[T]](cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &QueryCache[T]{
		lru:    lru,
		policy: policy,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Key returns the storage key for q and partitionKey.
func (c *QueryCache[T]) Key(q docdb.Query, partitionKey string) (string, bool) {
	fp, err := Fingerprint(q)
	if err != nil {
		return "", false
	}
	return CacheKey(fp, partitionKey), true
}

// Get returns the cached result for q, if present and fresh.
func (c *QueryCache[T]) Get(q docdb.Query, partitionKey string) (CachedResult[T], bool) {
	key, ok := c.Key(q, partitionKey)
	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return CachedResult[T]{}, false
	}
	return c.GetKey(key)
}

// GetKey is Get for a precomputed key.
func (c *QueryCache[T]) GetKey(key string) (CachedResult[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return CachedResult[T]{}, false
	}
	if c.clock().Sub(e.insertedAt) > e.ttl {
		c.lru.Delete(key)
		c.expired++
		c.misses++
		return CachedResult[T]{}, false
	}

	c.hits++
	return CachedResult[T]{
		Data:      e.data,
		Cost:      e.cost,
		CachedAt:  e.insertedAt,
		TTL:       e.ttl,
		FromCache: true,
	}, true
}

// Set stores data for q. cost is the request-unit cost spent producing it.
// It reports whether the result was stored; a zero effective TTL or an
// uncanonicalizable query stores nothing.
func (c *QueryCache[T]) Set(q docdb.Query, data T, cost float64, partitionKey string, opts SetOptions) bool {
	key, ok := c.Key(q, partitionKey)
	if !ok {
		return false
	}
	return c.SetKey(key, data, cost, opts)
}

// SetKey is Set for a precomputed key.
func (c *QueryCache[T]) SetKey(key string, data T, cost float64, opts SetOptions) bool {
	ttl := c.policy.EffectiveTTL(opts.TTL)
	if ttl <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Set(key, queryEntry[T]{
		data:       data,
		cost:       cost,
		insertedAt: c.clock(),
		ttl:        ttl,
	})
	c.sets++
	c.totalCost += cost
	return true
}

// InvalidateQuery removes the entry for exactly q and partitionKey.
func (c *QueryCache[T]) InvalidateQuery(q docdb.Query, partitionKey string) bool {
	key, ok := c.Key(q, partitionKey)
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Delete(key) {
		c.invalidations++
		return true
	}
	return false
}

// InvalidateByPattern removes every entry whose key matches re and returns
// how many were removed.
func (c *QueryCache[T]) InvalidateByPattern(re *regexp.Regexp) int {
	if re == nil {
		return 0
	}
	return c.invalidate(re.String(), re.MatchString)
}

// InvalidateMatching removes every entry whose key contains substr.
func (c *QueryCache[T]) InvalidateMatching(substr string) int {
	if substr == "" {
		return 0
	}
	return c.invalidate(substr, func(key string) bool {
		return strings.Contains(key, substr)
	})
}

// InvalidateEntityType removes entries whose query mentions the entity type.
func (c *QueryCache[T]) InvalidateEntityType(name string) int {
	if strings.TrimSpace(name) == "" {
		return 0
	}
	return c.InvalidateByPattern(EntityTypePattern(name))
}

// InvalidateUser removes entries scoped to the user id.
func (c *QueryCache[T]) InvalidateUser(id string) int {
	if strings.TrimSpace(id) == "" {
		return 0
	}
	return c.InvalidateByPattern(UserPattern(id))
}

func (c *QueryCache[T]) invalidate(pattern string, match func(string) bool) int {
	c.mu.Lock()
	removed := 0
	for _, key := range c.lru.Keys() {
		if match(key) && c.lru.Delete(key) {
			removed++
		}
	}
	c.invalidations += int64(removed)
	c.mu.Unlock()

	c.logger.Debug(context.Background(), "cache invalidated",
		observe.Field{Key: "pattern", Value: pattern},
		observe.Field{Key: "removed", Value: removed},
	)
	return removed
}

// Clear removes every entry.
func (c *QueryCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations += int64(c.lru.Len())
	c.lru.Clear()
}

// Keys returns the stored keys, least recently used first.
func (c *QueryCache[T]) Keys() []string {
	return c.lru.Keys()
}

// Stats returns a snapshot of the cache counters.
func (c *QueryCache[T]) Stats() QueryCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	lru := c.lru.Stats()
	avg := 0.0
	if c.sets > 0 {
		avg = c.totalCost / float64(c.sets)
	}
	return QueryCacheStats{
		Entries:            lru.Size,
		Capacity:           lru.Capacity,
		Hits:               c.hits,
		Misses:             c.misses,
		HitRate:            ratio(c.hits, c.hits+c.misses),
		Evictions:          lru.Evictions,
		Expired:            c.expired,
		Invalidations:      c.invalidations,
		Sets:               c.sets,
		TotalCostStored:    c.totalCost,
		AverageCostPerMiss: avg,
		EstimatedSavedCost: float64(c.hits) * avg,
	}
}

// Recommendation thresholds used by EfficiencyReport.
const (
	LowHitRate  = 0.3
	HighHitRate = 0.8
)

// EfficiencyReport estimates savings and suggests tuning.
func (c *QueryCache[T]) EfficiencyReport() EfficiencyReport {
	s := c.Stats()
	report := EfficiencyReport{
		HitRate:            s.HitRate,
		AverageCostPerMiss: s.AverageCostPerMiss,
		EstimatedSavedCost: s.EstimatedSavedCost,
	}

	if s.Hits+s.Misses == 0 {
		report.Recommendations = []string{"no cache activity recorded yet"}
		return report
	}
	if s.HitRate < LowHitRate {
		report.Recommendations = append(report.Recommendations,
			"hit rate below 30%: increase TTL for frequently repeated queries")
	}
	if s.HitRate > HighHitRate {
		report.Recommendations = append(report.Recommendations,
			"hit rate above 80%: consider shortening TTL to reduce staleness risk")
	}
	if s.Evictions > 0 && s.Entries >= s.Capacity {
		report.Recommendations = append(report.Recommendations,
			"cache is full and evicting entries: increase capacity")
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = []string{"cache performance is within expected range"}
	}
	return report
}
