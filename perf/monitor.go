package perf

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/dbshield/observe"
)

// Thresholds are the static alert limits.
type Thresholds struct {
	// Default: 1s
	LatencyWarning  time.Duration `yaml:"latency_warning"`
	// Default: 5s
	LatencyCritical time.Duration `yaml:"latency_critical"`

	// Request units per operation.
	// Default: 10
	CostWarning  float64 `yaml:"cost_warning"`
	// Default: 50
	CostCritical float64 `yaml:"cost_critical"`

	// Failure fraction per aggregation window.
	// Default: 0.05
	ErrorRateWarning  float64 `yaml:"error_rate_warning"`
	// Default: 0.20
	ErrorRateCritical float64 `yaml:"error_rate_critical"`

	// Fraction of cache lookups that missed in a window.
	// Default: 0.70
	CacheMissWarning float64 `yaml:"cache_miss_warning"`

	// MinSamples is the smallest window that is checked for error-rate and
	// cache-miss alerts.
	// Default: 10
	MinSamples int `yaml:"min_samples"`
}

// Config configures a Monitor.
type Config struct {
	// MaxSamples bounds the sample buffer; the oldest sample is dropped first.
	// Default: 10000
	MaxSamples int `yaml:"max_samples"`

	// AggregationInterval is the background aggregation period. A negative
	// value disables the background loop; call Aggregate directly.
	// Default: 1 minute
	AggregationInterval time.Duration `yaml:"aggregation_interval"`

	// SampleRetention is how long raw samples are kept.
	// Default: 1 hour
	SampleRetention time.Duration `yaml:"sample_retention"`

	// AggregateRetention is how long aggregated windows are kept.
	// Default: 24 hours
	AggregateRetention time.Duration `yaml:"aggregate_retention"`

	// AlertRetention is how long alerts are kept.
	// Default: 1 hour
	AlertRetention time.Duration `yaml:"alert_retention"`

	Thresholds Thresholds `yaml:"thresholds"`

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time `yaml:"-"`

	// Logger receives alerts and background-loop failures.
	// Default: no-op
	Logger observe.Logger `yaml:"-"`

	// Metrics receives per-sample cost and raised alerts.
	// Default: no-op
	Metrics observe.Metrics `yaml:"-"`
}

func (t *Thresholds) applyDefaults() {
	if t.LatencyWarning <= 0 {
		t.LatencyWarning = time.Second
	}
	if t.LatencyCritical <= 0 {
		t.LatencyCritical = 5 * time.Second
	}
	if t.CostWarning <= 0 {
		t.CostWarning = 10
	}
	if t.CostCritical <= 0 {
		t.CostCritical = 50
	}
	if t.ErrorRateWarning <= 0 {
		t.ErrorRateWarning = 0.05
	}
	if t.ErrorRateCritical <= 0 {
		t.ErrorRateCritical = 0.20
	}
	if t.CacheMissWarning <= 0 {
		t.CacheMissWarning = 0.70
	}
	if t.MinSamples <= 0 {
		t.MinSamples = 10
	}
}

// WithDefaults returns t with unset limits filled in.
func (t Thresholds) WithDefaults() Thresholds {
	t.applyDefaults()
	return t
}

// Validate checks that each warning level is below its critical level.
func (t Thresholds) Validate() error {
	switch {
	case t.LatencyWarning > t.LatencyCritical:
		return fmt.Errorf("%w: latency warning %s above critical %s", ErrInvalidThresholds, t.LatencyWarning, t.LatencyCritical)
	case t.CostWarning > t.CostCritical:
		return fmt.Errorf("%w: cost warning %g above critical %g", ErrInvalidThresholds, t.CostWarning, t.CostCritical)
	case t.ErrorRateWarning > t.ErrorRateCritical:
		return fmt.Errorf("%w: error rate warning %g above critical %g", ErrInvalidThresholds, t.ErrorRateWarning, t.ErrorRateCritical)
	case t.ErrorRateCritical > 1 || t.CacheMissWarning > 1:
		return fmt.Errorf("%w: rates must be within [0, 1]", ErrInvalidThresholds)
	}
	return nil
}

// Monitor records samples and raises alerts.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - RecordQuery and Finish never block on I/O.
// - Empty windows report success rate 1 and zero durations, never NaN.
type Monitor struct {
	config Config
	clock  func() time.Time
	logger observe.Logger

	mu             sync.Mutex
	samples        *ring[recorded]
	seq            uint64
	aggregatedSeq  uint64
	dropped        int64
	aggregates     []AggregatedMetric
	alerts         []Alert
	lastAggregated time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor and, unless disabled, starts its aggregation loop.
func New(config Config) (*Monitor, error) {
	if config.MaxSamples <= 0 {
		config.MaxSamples = 10000
	}
	if config.AggregationInterval == 0 {
		config.AggregationInterval = time.Minute
	}
	if config.SampleRetention <= 0 {
		config.SampleRetention = time.Hour
	}
	if config.AggregateRetention <= 0 {
		config.AggregateRetention = 24 * time.Hour
	}
	if config.AlertRetention <= 0 {
		config.AlertRetention = time.Hour
	}
	config.Thresholds.applyDefaults()
	if err := config.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observe.NoopMetrics()
	}

	m := &Monitor{
		config:         config,
		clock:          config.Clock,
		logger:         config.Logger.With(observe.Field{Key: "component", Value: "perf"}),
		samples:        newRing[recorded](config.MaxSamples),
		lastAggregated: config.Clock(),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	if config.AggregationInterval > 0 {
		go m.loop(config.AggregationInterval)
	} else {
		close(m.done)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.config }

// Details describes how a measured operation ended.
type Details struct {
	Cached    bool
	Cacheable bool
	Nested    bool
	Cost      float64
	Err       error
}

type nestedKey struct{}

// WithinOperation marks ctx as running inside a measured operation.
// Measurements taken under it should set Details.Nested; see InOperation.
func WithinOperation(ctx context.Context) context.Context {
	return context.WithValue(ctx, nestedKey{}, true)
}

// InOperation reports whether ctx came from WithinOperation.
func InOperation(ctx context.Context) bool {
	v, _ := ctx.Value(nestedKey{}).(bool)
	return v
}

// recorded is a buffered sample tagged with its arrival order, which
// Aggregate uses to find samples it has not seen yet.
type recorded struct {
	seq uint64
	Sample
}

// Measurement times one operation. Finish records it.
type Measurement struct {
	m         *Monitor
	operation string
	tags      map[string]string
	start     time.Time
	once      sync.Once
	id        string
}

// StartMeasurement begins timing operation.
func (m *Monitor) StartMeasurement(operation string, tags map[string]string) *Measurement {
	return &Measurement{m: m, operation: operation, tags: tags, start: m.clock()}
}

// Finish records the sample and returns its id. Later calls return the
// same id without recording again.
func (ms *Measurement) Finish(success bool, d Details) string {
	ms.once.Do(func() {
		s := Sample{
			Operation: ms.operation,
			Duration:  ms.m.clock().Sub(ms.start),
			Timestamp: ms.start,
			Success:   success,
			Cached:    d.Cached,
			Cacheable: d.Cacheable,
			Nested:    d.Nested,
			Cost:      d.Cost,
			Tags:      ms.tags,
		}
		if d.Err != nil {
			s.Error = d.Err.Error()
		}
		ms.id = ms.m.RecordQuery(s)
	})
	return ms.id
}

// RecordQuery stores s, checks it against the latency and cost thresholds,
// and returns its id. A missing id or timestamp is filled in.
func (m *Monitor) RecordQuery(s Sample) string {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = m.clock()
	}

	raised := m.sampleAlerts(s)

	m.mu.Lock()
	m.seq++
	if m.samples.push(recorded{seq: m.seq, Sample: s}) {
		m.dropped++
	}
	m.alerts = append(m.alerts, raised...)
	m.mu.Unlock()

	if s.Cost > 0 && !s.Nested {
		m.config.Metrics.RecordCost(context.Background(), observe.OpMeta{Component: "perf", Operation: s.Operation}, s.Cost)
	}
	m.publish(raised)
	return s.ID
}

func (m *Monitor) sampleAlerts(s Sample) []Alert {
	t := m.config.Thresholds
	var out []Alert

	latency := s.Duration.Seconds()
	switch {
	case s.Duration >= t.LatencyCritical:
		out = append(out, m.newAlert(AlertLatency, s.Operation, SeverityCritical, t.LatencyCritical.Seconds(), latency,
			fmt.Sprintf("%s took %s (critical threshold %s)", s.Operation, s.Duration, t.LatencyCritical)))
	case s.Duration >= t.LatencyWarning:
		out = append(out, m.newAlert(AlertLatency, s.Operation, SeverityWarning, t.LatencyWarning.Seconds(), latency,
			fmt.Sprintf("%s took %s (warning threshold %s)", s.Operation, s.Duration, t.LatencyWarning)))
	}

	if s.Nested {
		return out
	}
	switch {
	case s.Cost >= t.CostCritical:
		out = append(out, m.newAlert(AlertCost, s.Operation, SeverityCritical, t.CostCritical, s.Cost,
			fmt.Sprintf("%s cost %.2f RU (critical threshold %.2f)", s.Operation, s.Cost, t.CostCritical)))
	case s.Cost >= t.CostWarning:
		out = append(out, m.newAlert(AlertCost, s.Operation, SeverityWarning, t.CostWarning, s.Cost,
			fmt.Sprintf("%s cost %.2f RU (warning threshold %.2f)", s.Operation, s.Cost, t.CostWarning)))
	}
	return out
}

func (m *Monitor) newAlert(kind AlertKind, op string, sev Severity, threshold, observed float64, msg string) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Operation: op,
		Threshold: threshold,
		Observed:  observed,
		Severity:  sev,
		Timestamp: m.clock(),
		Message:   msg,
	}
}

func (m *Monitor) publish(alerts []Alert) {
	ctx := context.Background()
	for _, a := range alerts {
		m.config.Metrics.RecordAlert(ctx, string(a.Kind), string(a.Severity))
		fields := []observe.Field{
			{Key: "alert.kind", Value: string(a.Kind)},
			{Key: "db.operation", Value: a.Operation},
			{Key: "threshold", Value: a.Threshold},
			{Key: "observed", Value: a.Observed},
		}
		if a.Severity == SeverityCritical {
			m.logger.Error(ctx, a.Message, fields...)
		} else {
			m.logger.Warn(ctx, a.Message, fields...)
		}
	}
}

// Aggregate runs one aggregation tick: samples recorded since the previous
// tick are grouped by operation, checked against the error-rate and
// cache-miss thresholds, and appended to the aggregate history. Expired
// samples, aggregates, and alerts are pruned. It returns the new windows
// sorted by operation.
func (m *Monitor) Aggregate() []AggregatedMetric {
	now := m.clock()

	m.mu.Lock()
	start := m.lastAggregated
	m.lastAggregated = now
	since := m.aggregatedSeq
	m.aggregatedSeq = m.seq

	groups := make(map[string]*digest)
	m.samples.each(func(r recorded) bool {
		if r.seq <= since {
			return true
		}
		g := groups[r.Operation]
		if g == nil {
			g = &digest{}
			groups[r.Operation] = g
		}
		g.add(r.Sample)
		return true
	})

	windows := make([]AggregatedMetric, 0, len(groups))
	var raised []Alert
	for op, g := range groups {
		windows = append(windows, g.aggregate(op, start, now))
		raised = append(raised, m.windowAlerts(op, g)...)
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Operation < windows[j].Operation })

	m.aggregates = append(m.aggregates, windows...)
	m.alerts = append(m.alerts, raised...)
	m.pruneLocked(now)
	m.mu.Unlock()

	m.publish(raised)
	return windows
}

func (m *Monitor) windowAlerts(op string, d *digest) []Alert {
	t := m.config.Thresholds
	var out []Alert

	if d.count >= t.MinSamples {
		errRate := 1 - d.successRate()
		switch {
		case errRate >= t.ErrorRateCritical:
			out = append(out, m.newAlert(AlertErrorRate, op, SeverityCritical, t.ErrorRateCritical, errRate,
				fmt.Sprintf("%s error rate %.1f%% (critical threshold %.1f%%)", op, errRate*100, t.ErrorRateCritical*100)))
		case errRate >= t.ErrorRateWarning:
			out = append(out, m.newAlert(AlertErrorRate, op, SeverityWarning, t.ErrorRateWarning, errRate,
				fmt.Sprintf("%s error rate %.1f%% (warning threshold %.1f%%)", op, errRate*100, t.ErrorRateWarning*100)))
		}
	}

	if d.cacheable >= t.MinSamples {
		if miss := d.cacheMissRate(); miss >= t.CacheMissWarning {
			out = append(out, m.newAlert(AlertCacheMiss, op, SeverityWarning, t.CacheMissWarning, miss,
				fmt.Sprintf("%s cache miss rate %.1f%% (warning threshold %.1f%%)", op, miss*100, t.CacheMissWarning*100)))
		}
	}
	return out
}

func (m *Monitor) pruneLocked(now time.Time) {
	sampleCutoff := now.Add(-m.config.SampleRetention)
	m.samples.dropWhile(func(r recorded) bool { return r.Timestamp.Before(sampleCutoff) })

	aggCutoff := now.Add(-m.config.AggregateRetention)
	m.aggregates = slices.DeleteFunc(m.aggregates, func(a AggregatedMetric) bool {
		return a.WindowEnd.Before(aggCutoff)
	})

	alertCutoff := now.Add(-m.config.AlertRetention)
	m.alerts = slices.DeleteFunc(m.alerts, func(a Alert) bool {
		return a.Timestamp.Before(alertCutoff)
	})
}

// Summary describes samples recorded within window of now. A window <= 0
// covers every retained sample.
func (m *Monitor) Summary(window time.Duration) Summary {
	now := m.clock()
	var cutoff time.Time
	if window > 0 {
		cutoff = now.Add(-window)
	}

	all := &digest{}
	ops := make(map[string]*digest)

	m.mu.Lock()
	m.samples.each(func(r recorded) bool {
		if r.Timestamp.Before(cutoff) {
			return true
		}
		if !r.Nested {
			all.add(r.Sample)
		}
		g := ops[r.Operation]
		if g == nil {
			g = &digest{}
			ops[r.Operation] = g
		}
		g.add(r.Sample)
		return true
	})
	active, critical := 0, 0
	for _, a := range m.alerts {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		active++
		if a.Severity == SeverityCritical {
			critical++
		}
	}
	m.mu.Unlock()

	sorted := all.sorted()
	s := Summary{
		Window:          window,
		TotalOperations: all.count,
		SuccessRate:     all.successRate(),
		CacheHitRate:    all.cacheHitRate(),
		AvgDuration:     all.avg(),
		P50Duration:     percentile(sorted, 0.50),
		P95Duration:     percentile(sorted, 0.95),
		P99Duration:     percentile(sorted, 0.99),
		TotalCost:       all.cost,
		Operations:      make(map[string]OperationSummary, len(ops)),
		ActiveAlerts:    active,
		CriticalAlerts:  critical,
	}
	for op, g := range ops {
		s.Operations[op] = OperationSummary{
			Count:        g.count,
			SuccessRate:  g.successRate(),
			CacheHitRate: g.cacheHitRate(),
			AvgDuration:  g.avg(),
			P95Duration:  percentile(g.sorted(), 0.95),
			TotalCost:    g.cost,
		}
	}
	return s
}

// AggregatedMetrics returns retained windows for operation, oldest first.
// An empty operation returns every window.
func (m *Monitor) AggregatedMetrics(operation string) []AggregatedMetric {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AggregatedMetric, 0, len(m.aggregates))
	for _, a := range m.aggregates {
		if operation == "" || a.Operation == operation {
			out = append(out, a)
		}
	}
	return out
}

// Alerts returns retained alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts)
}

// AlertsBySeverity returns retained alerts of severity sev.
func (m *Monitor) AlertsBySeverity(sev Severity) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, a := range m.alerts {
		if a.Severity == sev {
			out = append(out, a)
		}
	}
	return out
}

// SampleCount returns the number of buffered samples and how many were
// dropped because the buffer was full.
func (m *Monitor) SampleCount() (buffered int, dropped int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples.len(), m.dropped
}

func (m *Monitor) loop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(context.Background(), "aggregation tick panicked",
				observe.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	m.Aggregate()
}

// Close stops the aggregation loop. Recorded data stays readable.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
