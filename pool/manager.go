package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/observe"
	"github.com/jonwraymond/dbshield/perf"
	"github.com/jonwraymond/dbshield/resilience"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMonitor records pool operations, opens and probes as samples.
func WithMonitor(mon *perf.Monitor) Option {
	return func(m *Manager) { m.monitor = mon }
}

// WithMiddleware wraps every executed operation with tracing, metrics and
// logging.
func WithMiddleware(mw *observe.Middleware) Option {
	return func(m *Manager) {
		if mw != nil {
			m.mw = mw
		}
	}
}

// WithClock sets the clock used for timestamps and latency.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.clock = now
		}
	}
}

// Manager is a bounded pool of database clients behind a circuit breaker.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Exclusivity: a pooled client is checked out by at most one caller.
// - Errors: database failures pass through unchanged; only ErrCircuitOpen,
//   ErrNoConnectionsAvailable and ErrPoolClosed originate here.
// - Health checks never count against the breaker.
type Manager struct {
	config  Config
	factory docdb.ClientFactory
	breaker *resilience.CircuitBreaker
	slots   *resilience.Bulkhead
	retry   *resilience.Retry
	probe   *resilience.Timeout
	monitor *perf.Monitor
	mw      *observe.Middleware
	logger  observe.Logger
	clock   func() time.Time

	mu      sync.Mutex
	conns   []*entry
	pending int
	active  int
	gen     uint64
	closed  bool
	drained chan struct{}

	created        int64
	destroyed      int64
	createFailures int64
	checkouts      int64
	exhausted      int64
	probes         int64
	probeFailures  int64

	stop     chan struct{}
	loopDone chan struct{}
}

// New creates a Manager, opens MinSize connections, and starts the
// maintenance loop. Failures to open the initial connections are logged and
// left for the maintenance loop to retry.
func New(ctx context.Context, factory docdb.ClientFactory, config Config, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: nil client factory", ErrInvalidConfig)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		factory:  factory,
		logger:   observe.NopLogger(),
		mw:       observe.NewMiddleware(nil, nil, nil),
		clock:    time.Now,
		drained:  make(chan struct{}),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(observe.Field{Key: "component", Value: "pool"})

	config.Breaker.IsExcluded = breakerNeutral(config.Breaker.IsExcluded)
	userHook := config.Breaker.OnStateChange
	config.Breaker.OnStateChange = func(from, to resilience.State) {
		m.logger.Warn(context.Background(), "circuit breaker state changed",
			observe.Field{Key: "from", Value: from.String()},
			observe.Field{Key: "to", Value: to.String()},
		)
		if userHook != nil {
			userHook(from, to)
		}
	}
	m.config = config

	m.breaker = resilience.NewCircuitBreaker(config.Breaker)
	m.slots = resilience.NewBulkhead(resilience.BulkheadConfig{
		MaxConcurrent: config.MaxSize,
		MaxWait:       config.AcquireTimeout,
	})
	m.retry = resilience.NewRetry(config.OpenRetry)
	m.probe = resilience.NewTimeout(resilience.TimeoutConfig{Timeout: config.ProbeTimeout})

	m.refill(ctx)

	if config.HealthCheckInterval > 0 {
		go m.loop(config.HealthCheckInterval)
	} else {
		close(m.loopDone)
	}
	return m, nil
}

// breakerNeutral excludes outcomes that say nothing about the database.
// They neither count as failures nor as successes toward closing a
// half-open breaker.
func breakerNeutral(next func(error) bool) func(error) bool {
	return func(err error) bool {
		if errors.Is(err, context.Canceled) ||
			errors.Is(err, errCheckoutAbandoned) ||
			errors.Is(err, ErrNoConnectionsAvailable) ||
			errors.Is(err, ErrPoolClosed) {
			return true
		}
		return next != nil && next(err)
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.config }

// Breaker returns the pool's circuit breaker.
func (m *Manager) Breaker() *resilience.CircuitBreaker { return m.breaker }

// GetConnection checks out a connection. The caller must pass it to
// ReleaseConnection exactly once; Execute does this automatically.
func (m *Manager) GetConnection(ctx context.Context) (*Conn, error) {
	if m.breaker.State() == resilience.StateOpen {
		return nil, ErrCircuitOpen
	}
	return m.acquire(ctx)
}

// ReleaseConnection returns c to the pool. Releasing the same checkout
// again, or a nil Conn, does nothing.
func (m *Manager) ReleaseConnection(c *Conn) {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	if c.e.active && c.e.gen == c.gen {
		c.e.active = false
		c.e.lastUsedAt = m.clock()
	}
	m.active--
	if m.closed && m.active == 0 {
		m.signalDrained()
	}
	m.mu.Unlock()

	m.slots.Release()
}

// acquire takes a checkout slot and then a connection. Holding a slot
// guarantees that an idle connection exists or the pool may grow.
func (m *Manager) acquire(ctx context.Context) (*Conn, error) {
	if m.isClosed() {
		return nil, ErrPoolClosed
	}
	if err := m.slots.Acquire(ctx); err != nil {
		if errors.Is(err, resilience.ErrBulkheadFull) {
			m.mu.Lock()
			m.exhausted++
			m.mu.Unlock()
			return nil, ErrNoConnectionsAvailable
		}
		return nil, err
	}

	c, err := m.checkout(ctx)
	if err != nil {
		m.slots.Release()
		return nil, err
	}
	return c, nil
}

func (m *Manager) checkout(ctx context.Context) (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if e := m.pickIdle(true); e != nil {
		c := m.activate(e)
		m.mu.Unlock()
		return c, nil
	}
	if len(m.conns)+m.pending < m.config.MaxSize {
		m.pending++
		m.mu.Unlock()

		e, err := m.open(ctx)

		m.mu.Lock()
		m.pending--
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if m.closed {
			m.mu.Unlock()
			_ = e.client.Close()
			return nil, ErrPoolClosed
		}
		m.conns = append(m.conns, e)
		c := m.activate(e)
		m.mu.Unlock()
		return c, nil
	}
	// At MaxSize with no healthy idle connection: fall back to any idle one.
	if e := m.pickIdle(false); e != nil {
		c := m.activate(e)
		m.mu.Unlock()
		m.logger.Debug(ctx, "checked out unhealthy connection",
			observe.Field{Key: "conn_id", Value: e.id})
		return c, nil
	}
	m.mu.Unlock()
	return nil, ErrNoConnectionsAvailable
}

// pickIdle returns the idle connection with the fewest consecutive failures,
// then the lowest average latency. Must hold m.mu.
func (m *Manager) pickIdle(healthyOnly bool) *entry {
	var best *entry
	for _, e := range m.conns {
		if !e.idle() || (healthyOnly && !e.health.Healthy) {
			continue
		}
		if best == nil ||
			e.health.ConsecutiveFailures < best.health.ConsecutiveFailures ||
			e.health.ConsecutiveFailures == best.health.ConsecutiveFailures &&
				e.health.AverageLatency < best.health.AverageLatency {
			best = e
		}
	}
	return best
}

// activate marks e checked out and returns the new checkout. Must hold m.mu.
func (m *Manager) activate(e *entry) *Conn {
	m.gen++
	e.active = true
	e.gen = m.gen
	e.lastUsedAt = m.clock()
	m.active++
	m.checkouts++
	return &Conn{m: m, e: e, gen: e.gen}
}

// open creates a new pooled entry, retrying per OpenRetry.
func (m *Manager) open(ctx context.Context) (*entry, error) {
	finish := m.measure("pool.open", true)
	client, err := resilience.Do(ctx, m.retry, m.factory.OpenClient)
	finish(err, 0)

	if err != nil {
		m.mu.Lock()
		m.createFailures++
		m.mu.Unlock()
		m.logger.Warn(ctx, "failed to open database client", observe.Field{Key: "error", Value: err.Error()})
		return nil, err
	}

	now := m.clock()
	m.mu.Lock()
	m.created++
	m.mu.Unlock()
	return &entry{
		id:         uuid.NewString(),
		client:     client,
		createdAt:  now,
		lastUsedAt: now,
		health:     Health{Healthy: true, LastCheckedAt: now},
	}, nil
}

// measure starts a perf measurement; the returned func finishes it. Nested
// samples stay out of the monitor's totals.
func (m *Manager) measure(op string, nested bool) func(err error, cost float64) {
	if m.monitor == nil {
		return func(error, float64) {}
	}
	ms := m.monitor.StartMeasurement(op, nil)
	return func(err error, cost float64) {
		ms.Finish(err == nil, perf.Details{Nested: nested, Cost: cost, Err: err})
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// signalDrained closes drained once. Must hold m.mu.
func (m *Manager) signalDrained() {
	select {
	case <-m.drained:
	default:
		close(m.drained)
	}
}

// Shutdown stops maintenance, waits up to ShutdownTimeout (or ctx) for
// checked-out connections to be released, then closes every client. In-flight
// operations are not interrupted while waiting. Returns ErrShutdownTimeout
// when connections were still active at the deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.active == 0 {
		m.signalDrained()
	}
	m.mu.Unlock()

	close(m.stop)
	<-m.loopDone

	var errs []error
	timer := time.NewTimer(m.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-m.drained:
	case <-timer.C:
		errs = append(errs, ErrShutdownTimeout)
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err()))
	}

	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	active := m.active
	m.destroyed += int64(len(conns))
	m.mu.Unlock()

	for _, e := range conns {
		if err := e.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.id, err))
		}
	}

	m.logger.Info(ctx, "pool shut down",
		observe.Field{Key: "closed", Value: len(conns)},
		observe.Field{Key: "still_active", Value: active},
	)
	return errors.Join(errs...)
}
