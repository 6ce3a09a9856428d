package shield

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/docdb/memdb"
	"github.com/jonwraymond/dbshield/health"
	"github.com/jonwraymond/dbshield/observe"
	"github.com/jonwraymond/dbshield/perf"
	"github.com/jonwraymond/dbshield/pool"
	"github.com/jonwraymond/dbshield/resilience"
)

var errDown = errors.New("database down")

var threadsByUser = docdb.NewQuery(
	"SELECT * FROM c WHERE c.type = @type AND c.userId = @userId",
	"@type", "THREAD", "@userId", "123",
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type lookupMetrics struct {
	observe.Metrics

	mu           sync.Mutex
	hits, misses int
}

func (m *lookupMetrics) RecordCacheLookup(_ context.Context, _ observe.OpMeta, hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}

func testConfig() Config {
	return Config{
		Container: "threads",
		Pool: pool.Config{
			MinSize:             1,
			MaxSize:             4,
			HealthCheckInterval: -1,
			ShutdownTimeout:     100 * time.Millisecond,
			OpenRetry:           resilience.RetryConfig{MaxAttempts: 1},
		},
		Monitor: perf.Config{AggregationInterval: -1},
	}
}

func seededStore() *memdb.Store {
	s := memdb.New("userId")
	s.Seed(
		docdb.Record{"id": "t1", "type": "THREAD", "userId": "123"},
		docdb.Record{"id": "t2", "type": "THREAD", "userId": "123"},
		docdb.Record{"id": "t3", "type": "THREAD", "userId": "456"},
		docdb.Record{"id": "m1", "type": "MESSAGE", "userId": "123"},
	)
	return s
}

func newTestService(t *testing.T, store *memdb.Store, cfg Config, opts ...Option) *Service {
	t.Helper()
	svc, err := New(context.Background(), store, cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func TestNew_NilFactory(t *testing.T) {
	if _, err := New(context.Background(), nil, testConfig()); !errors.Is(err, ErrNilFactory) {
		t.Errorf("New() error = %v, want ErrNilFactory", err)
	}
}

func TestNew_InvalidPoolConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MinSize = 5
	cfg.Pool.MaxSize = 2
	if _, err := New(context.Background(), memdb.New(""), cfg); !errors.Is(err, pool.ErrInvalidConfig) {
		t.Errorf("New() error = %v, want pool.ErrInvalidConfig", err)
	}
}

func TestQueryWithCache_MissThenHit(t *testing.T) {
	store := seededStore()
	metrics := &lookupMetrics{Metrics: observe.NoopMetrics()}
	svc := newTestService(t, store, testConfig(), WithMetrics(metrics))
	ctx := context.Background()

	first, err := svc.QueryWithCache(ctx, threadsByUser, QueryOptions{})
	if err != nil {
		t.Fatalf("QueryWithCache() error = %v", err)
	}
	if first.FromCache || len(first.Data) != 2 || first.Cost != 2 {
		t.Fatalf("first = fromCache %v records %d cost %v, want false/2/2", first.FromCache, len(first.Data), first.Cost)
	}

	// Same query with parameters declared in the other order.
	reordered := docdb.NewQuery(
		"select *  from c where c.type = @type and c.userId = @userId",
		"@userId", "123", "@type", "THREAD",
	)
	second, err := svc.QueryWithCache(ctx, reordered, QueryOptions{})
	if err != nil {
		t.Fatalf("QueryWithCache() error = %v", err)
	}
	if !second.FromCache || second.Cost != 0 || second.SavedCost != 2 {
		t.Errorf("second = fromCache %v cost %v saved %v, want true/0/2", second.FromCache, second.Cost, second.SavedCost)
	}
	if store.QueryCount() != 1 {
		t.Errorf("QueryCount() = %d, want 1", store.QueryCount())
	}

	s := svc.CacheStats()
	if s.Hits != 1 || s.Misses != 1 || s.HitRate != 0.5 {
		t.Errorf("CacheStats() = %+v, want 1 hit 1 miss", s)
	}
	if metrics.hits != 1 || metrics.misses != 1 {
		t.Errorf("recorded lookups = %d hits %d misses, want 1/1", metrics.hits, metrics.misses)
	}

	op := svc.PerformanceSummary(0).Operations["shield.query"]
	if op.Count != 2 || op.CacheHitRate != 0.5 || op.TotalCost != 2 {
		t.Errorf("shield.query summary = %+v, want count 2 hit rate 0.5 cost 2", op)
	}
}

func TestPerformanceSummary_CountsEachQueryOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.Thresholds = perf.Thresholds{CostWarning: 1, CostCritical: 5}
	svc := newTestService(t, seededStore(), cfg)
	ctx := context.Background()

	for range 2 {
		if _, err := svc.QueryWithCache(ctx, threadsByUser, QueryOptions{}); err != nil {
			t.Fatalf("QueryWithCache() error = %v", err)
		}
	}

	s := svc.PerformanceSummary(0)
	if s.TotalOperations != 2 || s.TotalCost != 2 {
		t.Errorf("totals = %d ops %v cost, want 2 ops 2 cost", s.TotalOperations, s.TotalCost)
	}
	if s.CacheHitRate != svc.CacheStats().HitRate || s.CacheHitRate != 0.5 {
		t.Errorf("summary hit rate = %v, cache hit rate = %v, want 0.5", s.CacheHitRate, svc.CacheStats().HitRate)
	}
	if got := s.Operations["pool.query"].Count; got != 1 {
		t.Errorf("pool.query count = %d, want 1", got)
	}

	var cost []perf.Alert
	for _, a := range svc.Alerts() {
		if a.Kind == perf.AlertCost {
			cost = append(cost, a)
		}
	}
	if len(cost) != 1 || cost[0].Operation != "shield.query" {
		t.Errorf("cost alerts = %+v, want one for shield.query", cost)
	}
}

func TestQueryWithCache_Options(t *testing.T) {
	tests := []struct {
		name       string
		opts       [2]QueryOptions
		wantHits   int64
		wantCalls  int64
		wantCached bool
	}{
		{
			name:       "same partition",
			opts:       [2]QueryOptions{{PartitionKey: "123"}, {PartitionKey: "123"}},
			wantHits:   1,
			wantCalls:  1,
			wantCached: true,
		},
		{
			name:      "different partitions",
			opts:      [2]QueryOptions{{PartitionKey: "123"}, {PartitionKey: "456"}},
			wantCalls: 2,
		},
		{
			name:      "bypass",
			opts:      [2]QueryOptions{{BypassCache: true}, {BypassCache: true}},
			wantCalls: 2,
		},
		{
			name:      "bypass skips store",
			opts:      [2]QueryOptions{{BypassCache: true}, {}},
			wantCalls: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seededStore()
			svc := newTestService(t, store, testConfig())
			ctx := context.Background()

			var last QueryResult
			for _, o := range tt.opts {
				r, err := svc.QueryWithCache(ctx, threadsByUser, o)
				if err != nil {
					t.Fatalf("QueryWithCache() error = %v", err)
				}
				last = r
			}
			if store.QueryCount() != tt.wantCalls {
				t.Errorf("QueryCount() = %d, want %d", store.QueryCount(), tt.wantCalls)
			}
			if got := svc.CacheStats().Hits; got != tt.wantHits {
				t.Errorf("Hits = %d, want %d", got, tt.wantHits)
			}
			if last.FromCache != tt.wantCached {
				t.Errorf("FromCache = %v, want %v", last.FromCache, tt.wantCached)
			}
		})
	}
}

func TestQueryWithCache_TTLExpiry(t *testing.T) {
	store := seededStore()
	clock := newFakeClock()
	svc := newTestService(t, store, testConfig(), WithClock(clock.Now))
	ctx := context.Background()
	opts := QueryOptions{TTL: time.Minute}

	if _, err := svc.QueryWithCache(ctx, threadsByUser, opts); err != nil {
		t.Fatalf("QueryWithCache() error = %v", err)
	}

	clock.Advance(time.Minute - time.Millisecond)
	r, err := svc.QueryWithCache(ctx, threadsByUser, opts)
	if err != nil || !r.FromCache {
		t.Fatalf("before expiry: fromCache %v err %v, want hit", r.FromCache, err)
	}

	clock.Advance(2 * time.Millisecond)
	r, err = svc.QueryWithCache(ctx, threadsByUser, opts)
	if err != nil || r.FromCache {
		t.Fatalf("after expiry: fromCache %v err %v, want miss", r.FromCache, err)
	}
	if store.QueryCount() != 2 {
		t.Errorf("QueryCount() = %d, want 2", store.QueryCount())
	}
	if got := svc.CacheStats().Expired; got != 1 {
		t.Errorf("Expired = %d, want 1", got)
	}
}

func TestQueryWithCache_DatabaseErrorPassesThrough(t *testing.T) {
	store := seededStore()
	svc := newTestService(t, store, testConfig())
	store.FailNext(1, errDown)

	_, err := svc.QueryWithCache(context.Background(), threadsByUser, QueryOptions{})
	if !errors.Is(err, errDown) {
		t.Fatalf("error = %v, want errDown", err)
	}
	if IsUnavailable(err) {
		t.Error("database failure reported as unavailable")
	}
	if got := svc.CacheStats().Entries; got != 0 {
		t.Errorf("Entries = %d, want 0 after failed query", got)
	}
	op := svc.PerformanceSummary(0).Operations["shield.query"]
	if op.SuccessRate != 0 {
		t.Errorf("SuccessRate = %v, want 0", op.SuccessRate)
	}
}

func TestQueryWithCache_UnavailableWhileBreakerOpen(t *testing.T) {
	store := seededStore()
	cfg := testConfig()
	cfg.Pool.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour}
	svc := newTestService(t, store, cfg)
	ctx := context.Background()

	if _, err := svc.QueryWithCache(ctx, threadsByUser, QueryOptions{}); err != nil {
		t.Fatalf("warm-up error = %v", err)
	}

	other := docdb.NewQuery("SELECT * FROM c WHERE c.type = @type", "@type", "MESSAGE")
	store.FailNext(1, errDown)
	if _, err := svc.QueryWithCache(ctx, other, QueryOptions{}); !errors.Is(err, errDown) {
		t.Fatalf("tripping error = %v, want errDown", err)
	}

	_, err := svc.QueryWithCache(ctx, other, QueryOptions{})
	if !IsUnavailable(err) || !errors.Is(err, pool.ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrUnavailable wrapping ErrCircuitOpen", err)
	}

	// Cached results and the observability surface keep working.
	r, err := svc.QueryWithCache(ctx, threadsByUser, QueryOptions{})
	if err != nil || !r.FromCache {
		t.Errorf("cached query while open: fromCache %v err %v", r.FromCache, err)
	}
	if got := svc.PoolStats().CircuitState; got != "open" {
		t.Errorf("CircuitState = %q, want open", got)
	}
	if got := svc.HealthChecker().Check(ctx).Status; got != health.StatusUnhealthy {
		t.Errorf("health = %v, want unhealthy", got)
	}
	if !strings.Contains(svc.Report(time.Hour), "Query cache") {
		t.Error("Report() missing cache section")
	}
}

func TestQueryWithCache_CoalescesConcurrentMisses(t *testing.T) {
	store := seededStore()
	store.SetLatency(100 * time.Millisecond)
	svc := newTestService(t, store, testConfig())

	const callers = 10
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		results []QueryResult
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, err := svc.QueryWithCache(context.Background(), threadsByUser, QueryOptions{})
			if err != nil {
				t.Errorf("QueryWithCache() error = %v", err)
				return
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if store.QueryCount() >= callers {
		t.Fatalf("QueryCount() = %d, want concurrent misses coalesced", store.QueryCount())
	}
	var leaders int64
	var spent float64
	for _, r := range results {
		if len(r.Data) != 2 {
			t.Errorf("records = %d, want 2", len(r.Data))
		}
		if !r.FromCache && !r.Shared {
			leaders++
		}
		spent += r.Cost
	}
	if leaders != store.QueryCount() {
		t.Errorf("leaders = %d, want %d", leaders, store.QueryCount())
	}
	if want := float64(store.QueryCount()) * 2; spent != want {
		t.Errorf("total cost = %v, want %v", spent, want)
	}
}

func TestQueryWithCache_FollowerOutlivesCanceledLeader(t *testing.T) {
	store := seededStore()
	store.SetLatency(50 * time.Millisecond)
	svc := newTestService(t, store, testConfig())

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := svc.QueryWithCache(leaderCtx, threadsByUser, QueryOptions{})
		leaderDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	followerDone := make(chan QueryResult, 1)
	go func() {
		r, err := svc.QueryWithCache(context.Background(), threadsByUser, QueryOptions{})
		if err != nil {
			t.Errorf("follower error = %v", err)
		}
		followerDone <- r
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-leaderDone; !errors.Is(err, context.Canceled) {
		t.Errorf("leader error = %v, want context.Canceled", err)
	}
	if r := <-followerDone; len(r.Data) != 2 {
		t.Errorf("follower records = %d, want 2", len(r.Data))
	}
}

func TestClose(t *testing.T) {
	svc := newTestService(t, seededStore(), testConfig())
	ctx := context.Background()

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_, err := svc.QueryWithCache(ctx, threadsByUser, QueryOptions{BypassCache: true})
	if !IsUnavailable(err) || !errors.Is(err, pool.ErrPoolClosed) {
		t.Errorf("error after Close = %v, want ErrUnavailable wrapping ErrPoolClosed", err)
	}
}

func TestStats(t *testing.T) {
	svc := newTestService(t, seededStore(), testConfig())
	ctx := context.Background()
	_, _ = svc.QueryWithCache(ctx, threadsByUser, QueryOptions{})
	_, _ = svc.QueryWithCache(ctx, threadsByUser, QueryOptions{})

	s := svc.Stats(0)
	if s.Cache.Hits != 1 || s.Pool.Size != 1 || s.Performance.TotalOperations == 0 {
		t.Errorf("Stats() = cache hits %d pool size %d ops %d", s.Cache.Hits, s.Pool.Size, s.Performance.TotalOperations)
	}
	if len(s.Efficiency.Recommendations) == 0 {
		t.Error("Efficiency has no recommendations")
	}
	if s.Efficiency.EstimatedSavedCost != 2 {
		t.Errorf("EstimatedSavedCost = %v, want 2", s.Efficiency.EstimatedSavedCost)
	}
}

