package shield

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/dbshield/cache"
	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/health"
	"github.com/jonwraymond/dbshield/observe"
	"github.com/jonwraymond/dbshield/perf"
	"github.com/jonwraymond/dbshield/pool"
)

// Config configures a Service.
type Config struct {
	// Container names the target container in traces and metrics.
	Container string

	// Cache configures the query result cache. Logger and Clock default to
	// the service's.
	Cache cache.QueryCacheConfig

	// Pool configures the connection pool.
	Pool pool.Config

	// Monitor configures the performance monitor. Logger and Metrics
	// default to the service's.
	Monitor perf.Config
}

// Option configures a Service.
type Option func(*options)

type options struct {
	logger  observe.Logger
	metrics observe.Metrics
	mw      *observe.Middleware
	clock   func() time.Time
}

// WithLogger sets the logger shared by every component.
func WithLogger(l observe.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMiddleware traces and logs pooled operations through mw and uses its
// metrics sink and logger for the rest of the service. Build one from an
// Observer with observe.MiddlewareFromObserver.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(o *options) {
		if mw == nil {
			return
		}
		o.mw = mw
		o.metrics = mw.Metrics()
		o.logger = mw.Logger()
	}
}

// WithMetrics sets the metrics sink for cache lookups, costs and alerts.
func WithMetrics(m observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the clock used by the cache, pool and monitor.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Service is the cached, pooled, instrumented path to the database.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Ownership: the Service owns its cache, pool and monitor; Close releases them.
// - Errors: database errors pass through unchanged; load shedding wraps ErrUnavailable.
// - Results: Data slices are shared with the cache and must not be modified.
type Service struct {
	container string
	cache     *cache.QueryCache[[]docdb.Record]
	pool      *pool.Manager
	monitor   *perf.Monitor
	metrics   observe.Metrics
	logger    observe.Logger
	flights   singleflight.Group
}

// New creates a Service and opens the pool's initial connections.
func New(ctx context.Context, factory docdb.ClientFactory, config Config, opts ...Option) (*Service, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observe.NopLogger()
	}
	if o.metrics == nil {
		o.metrics = observe.NoopMetrics()
	}
	if o.mw == nil {
		o.mw = observe.NewMiddleware(nil, o.metrics, o.logger)
	}

	if config.Monitor.Logger == nil {
		config.Monitor.Logger = o.logger
	}
	if config.Monitor.Metrics == nil {
		config.Monitor.Metrics = o.metrics
	}
	if config.Monitor.Clock == nil && o.clock != nil {
		config.Monitor.Clock = o.clock
	}
	monitor, err := perf.New(config.Monitor)
	if err != nil {
		return nil, err
	}

	if config.Cache.Logger == nil {
		config.Cache.Logger = o.logger.With(observe.Field{Key: "component", Value: "cache"})
	}
	if config.Cache.Clock == nil && o.clock != nil {
		config.Cache.Clock = o.clock
	}
	qc, err := cache.NewQueryCache[[]docdb.Record](config.Cache)
	if err != nil {
		monitor.Close()
		return nil, err
	}

	poolOpts := []pool.Option{
		pool.WithLogger(o.logger),
		pool.WithMonitor(monitor),
		pool.WithMiddleware(o.mw),
	}
	if o.clock != nil {
		poolOpts = append(poolOpts, pool.WithClock(o.clock))
	}
	pm, err := pool.New(ctx, factory, config.Pool, poolOpts...)
	if err != nil {
		monitor.Close()
		return nil, err
	}

	return &Service{
		container: config.Container,
		cache:     qc,
		pool:      pm,
		monitor:   monitor,
		metrics:   o.metrics,
		logger:    o.logger.With(observe.Field{Key: "component", Value: "shield"}),
	}, nil
}

// ExecuteWithConnection runs fn on a pooled client, bypassing the cache.
// Use it for write paths that need the raw client; callers are responsible
// for invalidating affected queries afterwards.
func (s *Service) ExecuteWithConnection(ctx context.Context, operation string, fn func(ctx context.Context, c docdb.Client) error) error {
	return classify(s.pool.ExecuteWithConnection(ctx, operation, fn))
}

// Pool returns the underlying connection pool.
func (s *Service) Pool() *pool.Manager { return s.pool }

// Monitor returns the underlying performance monitor.
func (s *Service) Monitor() *perf.Monitor { return s.monitor }

// CacheStats returns a snapshot of the query cache counters.
func (s *Service) CacheStats() cache.QueryCacheStats { return s.cache.Stats() }

// CacheEfficiency estimates cache savings and suggests tuning.
func (s *Service) CacheEfficiency() cache.EfficiencyReport { return s.cache.EfficiencyReport() }

// PoolStats returns a snapshot of the connection pool.
func (s *Service) PoolStats() pool.Stats { return s.pool.Stats() }

// PerformanceSummary summarizes samples recorded within window. A
// non-positive window covers every buffered sample.
func (s *Service) PerformanceSummary(window time.Duration) perf.Summary {
	return s.monitor.Summary(window)
}

// Alerts returns retained alerts, oldest first.
func (s *Service) Alerts() []perf.Alert { return s.monitor.Alerts() }

// Report renders a plain-text performance and cache report.
func (s *Service) Report(window time.Duration) string {
	return s.monitor.Report(window) + renderCacheReport(s.cache.Stats(), s.cache.EfficiencyReport())
}

// Stats is the combined observability snapshot served by the demo binary.
type Stats struct {
	Cache       cache.QueryCacheStats `json:"cache"`
	Efficiency  cache.EfficiencyReport `json:"efficiency"`
	Pool        pool.Stats             `json:"pool"`
	Performance perf.Summary           `json:"performance"`
}

// Stats returns every observability snapshot at once.
func (s *Service) Stats(window time.Duration) Stats {
	return Stats{
		Cache:       s.cache.Stats(),
		Efficiency:  s.cache.EfficiencyReport(),
		Pool:        s.pool.Stats(),
		Performance: s.monitor.Summary(window),
	}
}

// HealthChecker reports the pool's health.
func (s *Service) HealthChecker() health.Checker { return s.pool.Checker() }

// Close shuts down the pool, waiting for checked-out connections, and then
// stops the monitor.
func (s *Service) Close(ctx context.Context) error {
	err := s.pool.Shutdown(ctx)
	s.monitor.Close()
	return err
}
