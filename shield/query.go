package shield

import (
	"context"
	"errors"
	"time"

	"github.com/jonwraymond/dbshield/cache"
	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/observe"
	"github.com/jonwraymond/dbshield/perf"
)

// QueryOptions tunes one QueryWithCache call.
type QueryOptions struct {
	// PartitionKey scopes the cached result to one partition.
	PartitionKey string

	// TTL overrides the cache policy's default lifetime.
	TTL time.Duration

	// BypassCache skips both the lookup and the store.
	BypassCache bool

	// Operation names the query in traces, metrics and reports.
	// Default: "query"
	Operation string
}

// QueryResult is the outcome of QueryWithCache.
type QueryResult struct {
	// Data holds the matching records. It may be shared with the cache and
	// other callers; do not modify it.
	Data []docdb.Record

	// FromCache is true when no database call was needed.
	FromCache bool

	// Shared is true when the records came from another caller's in-flight
	// query for the same key.
	Shared bool

	// Cost is the request units this call spent. Zero for cache hits and
	// shared results.
	Cost float64

	// SavedCost is the request units a cache hit or shared result avoided.
	SavedCost float64
}

// QueryWithCache returns the records matching q, serving them from the
// cache when a fresh result exists. On a miss the query runs on a pooled
// client and the result is cached; concurrent misses for the same key wait
// for a single database call.
func (s *Service) QueryWithCache(ctx context.Context, q docdb.Query, opts QueryOptions) (QueryResult, error) {
	op := opts.Operation
	if op == "" {
		op = "query"
	}
	meta := observe.OpMeta{Component: "shield", Operation: op, Container: s.container}

	key, cacheable := "", false
	if !opts.BypassCache {
		key, cacheable = s.cache.Key(q, opts.PartitionKey)
	}

	ms := s.monitor.StartMeasurement("shield."+op, nil)

	if cacheable {
		hit, ok := s.cache.GetKey(key)
		s.metrics.RecordCacheLookup(ctx, meta, ok)
		if ok {
			ms.Finish(true, perf.Details{Cached: true, Cacheable: true})
			return QueryResult{Data: hit.Data, FromCache: true, SavedCost: hit.Cost}, nil
		}
	}

	var (
		res QueryResult
		err error
	)
	if cacheable {
		res, err = s.coalesced(ctx, q, key, opts.TTL)
	} else {
		res, err = s.fetch(ctx, q)
	}

	ms.Finish(err == nil, perf.Details{Cacheable: cacheable, Cost: res.Cost, Err: err})
	if err != nil {
		return QueryResult{}, classify(err)
	}
	return res, nil
}

// coalesced runs the query once per key at a time and caches the result.
// A caller whose own context ends stops waiting; the shared query keeps
// running for the others.
func (s *Service) coalesced(ctx context.Context, q docdb.Query, key string, ttl time.Duration) (QueryResult, error) {
	leader := false
	ch := s.flights.DoChan(key, func() (any, error) {
		leader = true
		res, err := s.fetch(ctx, q)
		if err == nil {
			s.cache.SetKey(key, res.Data, res.Cost, cache.SetOptions{TTL: ttl})
		}
		return res, err
	})

	select {
	case <-ctx.Done():
		return QueryResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			// The query inherited the leader's context. Retry alone when
			// the leader gave up but this caller has not.
			if !leader && isContextErr(r.Err) && ctx.Err() == nil {
				return s.fetch(ctx, q)
			}
			return QueryResult{}, r.Err
		}
		res := r.Val.(QueryResult)
		if !leader {
			res.Shared = true
			res.SavedCost = res.Cost
			res.Cost = 0
		}
		return res, nil
	}
}

func (s *Service) fetch(ctx context.Context, q docdb.Query) (QueryResult, error) {
	r, err := s.pool.Query(perf.WithinOperation(ctx), q)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Data: r.Records, Cost: r.Cost}, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
