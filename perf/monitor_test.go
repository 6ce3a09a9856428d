package perf

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jonwraymond/dbshield/observe"
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

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg.Clock = clock.Now
	if cfg.AggregationInterval == 0 {
		cfg.AggregationInterval = -1
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m, clock
}

func TestNew_Defaults(t *testing.T) {
	m, err := New(Config{AggregationInterval: -1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer m.Close()

	cfg := m.Config()
	if cfg.MaxSamples != 10000 || cfg.SampleRetention != time.Hour || cfg.AlertRetention != time.Hour {
		t.Errorf("defaults = %+v", cfg)
	}
	th := cfg.Thresholds
	if th.LatencyWarning != time.Second || th.LatencyCritical != 5*time.Second || th.MinSamples != 10 {
		t.Errorf("threshold defaults = %+v", th)
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name string
		th   Thresholds
	}{
		{"latency", Thresholds{LatencyWarning: 10 * time.Second, LatencyCritical: time.Second}},
		{"cost", Thresholds{CostWarning: 100, CostCritical: 50}},
		{"error rate", Thresholds{ErrorRateWarning: 0.5, ErrorRateCritical: 0.3}},
		{"rate range", Thresholds{CacheMissWarning: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{AggregationInterval: -1, Thresholds: tt.th}); !errors.Is(err, ErrInvalidThresholds) {
				t.Errorf("New() error = %v, want ErrInvalidThresholds", err)
			}
		})
	}
}

func TestMeasurement_Finish(t *testing.T) {
	m, clock := newTestMonitor(t, Config{})

	ms := m.StartMeasurement("pool.query", map[string]string{"container": "chats"})
	clock.Advance(40 * time.Millisecond)
	id := ms.Finish(false, Details{Cost: 3, Err: errors.New("throttled")})
	if id == "" {
		t.Fatal("Finish() returned empty id")
	}
	if again := ms.Finish(true, Details{}); again != id {
		t.Errorf("second Finish() = %q, want %q", again, id)
	}

	if n, _ := m.SampleCount(); n != 1 {
		t.Fatalf("SampleCount() = %d, want 1", n)
	}
	s := m.Summary(0)
	if s.AvgDuration != 40*time.Millisecond || s.SuccessRate != 0 || s.TotalCost != 3 {
		t.Errorf("Summary() = %+v", s)
	}
}

func TestRecordQuery_BoundedBuffer(t *testing.T) {
	m, _ := newTestMonitor(t, Config{MaxSamples: 3})

	for i := 0; i < 5; i++ {
		m.RecordQuery(Sample{Operation: "q", Duration: time.Duration(i+1) * time.Millisecond, Success: true})
	}

	n, dropped := m.SampleCount()
	if n != 3 || dropped != 2 {
		t.Fatalf("SampleCount() = %d, %d; want 3, 2", n, dropped)
	}
	// The two oldest (1ms, 2ms) are gone.
	if s := m.Summary(0); s.AvgDuration != 4*time.Millisecond {
		t.Errorf("AvgDuration = %v, want 4ms", s.AvgDuration)
	}
}

func TestRecordQuery_ImmediateAlerts(t *testing.T) {
	tests := []struct {
		name     string
		sample   Sample
		wantKind AlertKind
		wantSev  Severity
	}{
		{"latency warning", Sample{Duration: 1500 * time.Millisecond, Success: true}, AlertLatency, SeverityWarning},
		{"latency critical", Sample{Duration: 6 * time.Second, Success: true}, AlertLatency, SeverityCritical},
		{"cost warning", Sample{Duration: time.Millisecond, Cost: 12}, AlertCost, SeverityWarning},
		{"cost critical", Sample{Duration: time.Millisecond, Cost: 75}, AlertCost, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor(t, Config{})
			tt.sample.Operation = "pool.query"
			m.RecordQuery(tt.sample)

			alerts := m.Alerts()
			if len(alerts) != 1 {
				t.Fatalf("alerts = %d, want 1", len(alerts))
			}
			a := alerts[0]
			if a.Kind != tt.wantKind || a.Severity != tt.wantSev || a.Operation != "pool.query" {
				t.Errorf("alert = %+v", a)
			}
			if len(m.AlertsBySeverity(tt.wantSev)) != 1 {
				t.Errorf("AlertsBySeverity(%s) missing alert", tt.wantSev)
			}
		})
	}
}

func TestRecordQuery_NoAlertBelowThresholds(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	m.RecordQuery(Sample{Operation: "q", Duration: 999 * time.Millisecond, Cost: 9.9, Success: true})
	if got := m.Alerts(); len(got) != 0 {
		t.Errorf("alerts = %+v, want none", got)
	}
}

func TestPercentile_NearestRank(t *testing.T) {
	var vals []time.Duration
	for i := 1; i <= 100; i++ {
		vals = append(vals, time.Duration(i)*time.Millisecond)
	}
	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0.50, 50 * time.Millisecond},
		{0.95, 95 * time.Millisecond},
		{0.99, 99 * time.Millisecond},
		{1.00, 100 * time.Millisecond},
		{0.001, 1 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(vals, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(empty) = %v, want 0", got)
	}
	// ceil(3*0.5)-1 = 1
	small := []time.Duration{10, 20, 30}
	if got := percentile(small, 0.5); got != 20 {
		t.Errorf("percentile(3 values, p50) = %v, want 20", got)
	}
}

func TestAggregate_GroupsNewSamples(t *testing.T) {
	m, clock := newTestMonitor(t, Config{})

	for i := 1; i <= 4; i++ {
		m.RecordQuery(Sample{Operation: "shield.query", Duration: time.Duration(i*10) * time.Millisecond, Success: i != 4, Cacheable: true, Cached: i <= 2, Cost: 1})
	}
	m.RecordQuery(Sample{Operation: "pool.create", Duration: 5 * time.Millisecond, Success: true})

	clock.Advance(time.Minute)
	windows := m.Aggregate()
	if len(windows) != 2 {
		t.Fatalf("windows = %d, want 2", len(windows))
	}
	if windows[0].Operation != "pool.create" || windows[1].Operation != "shield.query" {
		t.Fatalf("windows not sorted by operation: %v, %v", windows[0].Operation, windows[1].Operation)
	}

	q := windows[1]
	if q.Count != 4 || q.MinDuration != 10*time.Millisecond || q.MaxDuration != 40*time.Millisecond {
		t.Errorf("window = %+v", q)
	}
	if q.AvgDuration != 25*time.Millisecond || q.P50 != 20*time.Millisecond || q.P99 != 40*time.Millisecond {
		t.Errorf("durations avg=%v p50=%v p99=%v", q.AvgDuration, q.P50, q.P99)
	}
	if q.SuccessRate != 0.75 || q.CacheHitRate != 0.5 || q.TotalCost != 4 {
		t.Errorf("rates success=%v cache=%v cost=%v", q.SuccessRate, q.CacheHitRate, q.TotalCost)
	}
	if !q.WindowEnd.Equal(clock.Now()) || q.WindowEnd.Sub(q.WindowStart) != time.Minute {
		t.Errorf("window bounds %v..%v", q.WindowStart, q.WindowEnd)
	}

	// A second tick with no new samples adds nothing.
	clock.Advance(time.Minute)
	if again := m.Aggregate(); len(again) != 0 {
		t.Errorf("second Aggregate() = %d windows, want 0", len(again))
	}
	if got := m.AggregatedMetrics("shield.query"); len(got) != 1 {
		t.Errorf("AggregatedMetrics(shield.query) = %d, want 1", len(got))
	}
	if got := m.AggregatedMetrics(""); len(got) != 2 {
		t.Errorf("AggregatedMetrics(all) = %d, want 2", len(got))
	}
}

func TestAggregate_WindowAlerts(t *testing.T) {
	m, clock := newTestMonitor(t, Config{})

	// 10 samples, 3 failures: error rate 30% is critical.
	for i := 0; i < 10; i++ {
		m.RecordQuery(Sample{Operation: "pool.query", Duration: time.Millisecond, Success: i >= 3})
	}
	// 10 cache lookups, 8 misses: 80% miss rate.
	for i := 0; i < 10; i++ {
		m.RecordQuery(Sample{Operation: "shield.query", Duration: time.Millisecond, Success: true, Cacheable: true, Cached: i < 2})
	}
	// Too few samples to judge.
	m.RecordQuery(Sample{Operation: "pool.delete", Duration: time.Millisecond, Success: false})

	clock.Advance(time.Minute)
	m.Aggregate()

	byKind := map[AlertKind]Alert{}
	for _, a := range m.Alerts() {
		byKind[a.Kind] = a
	}
	if a, ok := byKind[AlertErrorRate]; !ok || a.Severity != SeverityCritical || a.Operation != "pool.query" || math.Abs(a.Observed-0.3) > 1e-9 {
		t.Errorf("error-rate alert = %+v", a)
	}
	if a, ok := byKind[AlertCacheMiss]; !ok || a.Operation != "shield.query" || math.Abs(a.Observed-0.8) > 1e-9 {
		t.Errorf("cache-miss alert = %+v", a)
	}
	if len(m.Alerts()) != 2 {
		t.Errorf("alerts = %d, want 2", len(m.Alerts()))
	}
}

func TestAggregate_Pruning(t *testing.T) {
	m, clock := newTestMonitor(t, Config{
		SampleRetention:    10 * time.Minute,
		AggregateRetention: 30 * time.Minute,
		AlertRetention:     5 * time.Minute,
	})

	m.RecordQuery(Sample{Operation: "q", Duration: 2 * time.Second, Success: true})
	clock.Advance(time.Minute)
	m.Aggregate()
	if len(m.Alerts()) != 1 {
		t.Fatalf("expected latency alert")
	}

	clock.Advance(6 * time.Minute)
	m.Aggregate()
	if len(m.Alerts()) != 0 {
		t.Errorf("alert not pruned after AlertRetention")
	}
	if n, _ := m.SampleCount(); n != 1 {
		t.Errorf("sample pruned too early")
	}

	clock.Advance(10 * time.Minute)
	m.Aggregate()
	if n, _ := m.SampleCount(); n != 0 {
		t.Errorf("sample not pruned after SampleRetention")
	}

	clock.Advance(30 * time.Minute)
	m.Aggregate()
	if got := m.AggregatedMetrics(""); len(got) != 0 {
		t.Errorf("aggregates not pruned: %d", len(got))
	}
}

func TestSummary_EmptyIsNotDegraded(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	s := m.Summary(time.Hour)

	if s.TotalOperations != 0 || s.SuccessRate != 1 || s.CacheHitRate != 0 {
		t.Errorf("empty Summary() = %+v", s)
	}
	if s.AvgDuration != 0 || s.P95Duration != 0 || math.IsNaN(s.SuccessRate) {
		t.Errorf("empty durations = %+v", s)
	}
}

func TestSummary_Window(t *testing.T) {
	m, clock := newTestMonitor(t, Config{})

	m.RecordQuery(Sample{Operation: "old", Duration: time.Millisecond, Success: false})
	clock.Advance(10 * time.Minute)
	m.RecordQuery(Sample{Operation: "new", Duration: 3 * time.Millisecond, Success: true, Cacheable: true, Cached: true})

	s := m.Summary(5 * time.Minute)
	if s.TotalOperations != 1 || s.SuccessRate != 1 || s.CacheHitRate != 1 {
		t.Errorf("windowed Summary() = %+v", s)
	}
	if _, ok := s.Operations["old"]; ok {
		t.Error("old operation should be outside the window")
	}
	if all := m.Summary(0); all.TotalOperations != 2 || all.SuccessRate != 0.5 {
		t.Errorf("unbounded Summary() = %+v", all)
	}
}

func TestSummary_NestedSamples(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	// A cache miss: the outer query and the pool call behind it.
	m.RecordQuery(Sample{Operation: "pool.open", Duration: time.Millisecond, Success: true, Nested: true})
	m.RecordQuery(Sample{Operation: "pool.query", Duration: 4 * time.Millisecond, Success: true, Nested: true, Cost: 12})
	m.RecordQuery(Sample{Operation: "shield.query", Duration: 5 * time.Millisecond, Success: true, Cacheable: true, Cost: 12})
	// A cache hit.
	m.RecordQuery(Sample{Operation: "shield.query", Duration: time.Millisecond, Success: true, Cacheable: true, Cached: true})

	s := m.Summary(0)
	if s.TotalOperations != 2 || s.TotalCost != 12 || s.CacheHitRate != 0.5 {
		t.Errorf("Summary() ops %d cost %v hit rate %v, want 2, 12, 0.5", s.TotalOperations, s.TotalCost, s.CacheHitRate)
	}
	if got := s.Operations["pool.query"]; got.Count != 1 || got.TotalCost != 12 {
		t.Errorf("pool.query = %+v, want count 1 cost 12", got)
	}
	if got := s.Operations["shield.query"]; got.Count != 2 || got.CacheHitRate != 0.5 {
		t.Errorf("shield.query = %+v, want count 2 hit rate 0.5", got)
	}

	var cost []Alert
	for _, a := range m.Alerts() {
		if a.Kind == AlertCost {
			cost = append(cost, a)
		}
	}
	if len(cost) != 1 || cost[0].Operation != "shield.query" {
		t.Errorf("cost alerts = %+v, want one for shield.query", cost)
	}
}

func TestCacheHitRate_IgnoresUncacheable(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})

	m.RecordQuery(Sample{Operation: "q", Duration: time.Millisecond, Success: true, Cacheable: true, Cached: true})
	m.RecordQuery(Sample{Operation: "q", Duration: time.Millisecond, Success: true})

	if s := m.Summary(0); s.CacheHitRate != 1 || s.Operations["q"].CacheHitRate != 1 {
		t.Errorf("hit rate = %v / %v, want 1", s.CacheHitRate, s.Operations["q"].CacheHitRate)
	}
}

func TestWithinOperation(t *testing.T) {
	ctx := context.Background()
	if InOperation(ctx) {
		t.Error("InOperation(background) = true")
	}
	if !InOperation(WithinOperation(ctx)) {
		t.Error("InOperation(WithinOperation(ctx)) = false")
	}
}

func TestReport(t *testing.T) {
	m, _ := newTestMonitor(t, Config{})
	m.RecordQuery(Sample{Operation: "shield.query", Duration: 20 * time.Millisecond, Success: true, Cost: 2.5})
	m.RecordQuery(Sample{Operation: "pool.query", Duration: 6 * time.Second, Success: false})

	r := m.Report(time.Hour)
	for _, want := range []string{
		"Database performance report (last 1h0m0s)",
		"Operations: 2",
		"Success rate: 50.0%",
		"Total cost: 2.50 RU",
		"Alerts: 1 (1 critical)",
		"shield.query",
		"[critical] pool.query took 6s",
	} {
		if !strings.Contains(r, want) {
			t.Errorf("report missing %q:\n%s", want, r)
		}
	}
}

func TestMonitor_ExportsAndLogs(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	core, logs := observer.New(zapcore.WarnLevel)

	m, _ := newTestMonitor(t, Config{Metrics: metrics, Logger: observe.NewZapLogger(zap.New(core))})
	m.RecordQuery(Sample{Operation: "pool.query", Duration: 2 * time.Second, Cost: 4, Success: true})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, mt := range sm.Metrics {
			seen[mt.Name] = true
		}
	}
	if !seen["db.operation.cost"] || !seen["db.alerts.total"] {
		t.Errorf("exported metrics = %v", seen)
	}

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("logs = %+v", entries)
	}
	if entries[0].ContextMap()["component"] != "perf" {
		t.Errorf("log fields = %v", entries[0].ContextMap())
	}
}

func TestMonitor_BackgroundLoop(t *testing.T) {
	m, err := New(Config{AggregationInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordQuery(Sample{Operation: "q", Duration: time.Millisecond, Success: true})

	deadline := time.Now().Add(2 * time.Second)
	for len(m.AggregatedMetrics("q")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background aggregation never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Close()
	m.Close()
}

func TestMonitor_ConcurrentRecording(t *testing.T) {
	m, _ := newTestMonitor(t, Config{MaxSamples: 100})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ms := m.StartMeasurement("q", nil)
				ms.Finish(true, Details{})
				if i%10 == 0 {
					m.Aggregate()
					_ = m.Summary(0)
				}
			}
		}()
	}
	wg.Wait()

	if n, dropped := m.SampleCount(); n != 100 || dropped != 300 {
		t.Errorf("SampleCount() = %d, %d; want 100, 300", n, dropped)
	}
}
