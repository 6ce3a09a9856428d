package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/dbshield/health"
	"github.com/jonwraymond/dbshield/observe"
	"github.com/jonwraymond/dbshield/resilience"
)

// CheckResult summarizes one maintenance pass.
type CheckResult struct {
	Probed  int
	Failed  int
	Removed int
	Created int
}

// CheckHealth probes every idle connection, closes unhealthy idle
// connections above MinSize, and opens connections until MinSize is
// reached. Checked-out connections are skipped. Probe outcomes update
// connection health but never the circuit breaker.
func (m *Manager) CheckHealth(ctx context.Context) (CheckResult, error) {
	if m.isClosed() {
		return CheckResult{}, ErrPoolClosed
	}

	var res CheckResult
	res.Probed, res.Failed = m.probeIdle(ctx)
	res.Removed = m.prune(ctx)
	res.Created = m.refill(ctx)

	if res.Failed > 0 || res.Removed > 0 || res.Created > 0 {
		m.logger.Info(ctx, "pool maintenance",
			observe.Field{Key: "probed", Value: res.Probed},
			observe.Field{Key: "failed", Value: res.Failed},
			observe.Field{Key: "removed", Value: res.Removed},
			observe.Field{Key: "created", Value: res.Created},
		)
	}
	return res, ctx.Err()
}

// probeIdle reserves a checkout slot for each idle connection so probes
// never race a caller for the same client.
func (m *Manager) probeIdle(ctx context.Context) (probed, failed int) {
	m.mu.Lock()
	var targets []*entry
	for _, e := range m.conns {
		if !e.idle() {
			continue
		}
		if !m.slots.TryAcquire() {
			break
		}
		e.probing = true
		targets = append(targets, e)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.ProbeConcurrency)
	for _, e := range targets {
		g.Go(func() error {
			defer m.slots.Release()

			finish := m.measure("pool.probe", true)
			start := m.clock()
			err := m.probe.Execute(gctx, e.client.Probe)
			finish(err, 0)

			m.mu.Lock()
			e.probing = false
			e.health.record(err, m.clock().Sub(start), m.config.LatencyAlpha, m.config.UnhealthyAfter, m.clock())
			m.probes++
			if err != nil && !errors.Is(err, context.Canceled) {
				m.probeFailures++
				failed++
			}
			m.mu.Unlock()

			if err != nil {
				m.logger.Debug(gctx, "connection probe failed",
					observe.Field{Key: "conn_id", Value: e.id},
					observe.Field{Key: "error", Value: err.Error()},
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(targets), failed
}

// prune closes idle unhealthy connections while the pool stays at or above
// MinSize.
func (m *Manager) prune(ctx context.Context) int {
	m.mu.Lock()
	var removed []*entry
	kept := m.conns[:0]
	size := len(m.conns)
	for _, e := range m.conns {
		if e.idle() && !e.health.Healthy && size > m.config.MinSize {
			removed = append(removed, e)
			size--
			continue
		}
		kept = append(kept, e)
	}
	clear(m.conns[len(kept):])
	m.conns = kept
	m.destroyed += int64(len(removed))
	m.mu.Unlock()

	for _, e := range removed {
		if err := e.client.Close(); err != nil {
			m.logger.Warn(ctx, "failed to close connection",
				observe.Field{Key: "conn_id", Value: e.id},
				observe.Field{Key: "error", Value: err.Error()},
			)
		}
	}
	return len(removed)
}

// refill opens connections until MinSize is reached. Failures are logged
// and left for the next pass.
func (m *Manager) refill(ctx context.Context) int {
	m.mu.Lock()
	deficit := m.config.MinSize - len(m.conns) - m.pending
	if m.closed || deficit <= 0 {
		m.mu.Unlock()
		return 0
	}
	m.pending += deficit
	m.mu.Unlock()

	created := 0
	for i := range deficit {
		if ctx.Err() != nil {
			m.mu.Lock()
			m.pending -= deficit - i
			m.mu.Unlock()
			break
		}
		e, err := m.open(ctx)

		m.mu.Lock()
		m.pending--
		closed := m.closed
		if err == nil && !closed {
			m.conns = append(m.conns, e)
			created++
		}
		m.mu.Unlock()

		if err == nil && closed {
			_ = e.client.Close()
		}
	}
	return created
}

func (m *Manager) loop(interval time.Duration) {
	defer close(m.loopDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick(interval)
		}
	}
}

func (m *Manager) tick(interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(context.Background(), "pool maintenance panicked",
				observe.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()
	if _, err := m.CheckHealth(ctx); err != nil && !errors.Is(err, ErrPoolClosed) {
		m.logger.Warn(ctx, "pool maintenance incomplete", observe.Field{Key: "error", Value: err.Error()})
	}
}

// Checker reports the pool's health. The pool is unhealthy when the breaker
// is open, the pool is shut down, or no connection is healthy; it is
// degraded when the breaker is half-open or some connections are unhealthy.
func (m *Manager) Checker() health.Checker {
	return health.NewCheckerFunc("pool", func(ctx context.Context) health.Result {
		s := m.Stats()
		details := map[string]any{
			"size":          s.Size,
			"active":        s.Active,
			"healthy":       s.Healthy,
			"unhealthy":     s.Unhealthy,
			"circuit_state": s.CircuitState,
		}

		var r health.Result
		switch {
		case s.Closed:
			r = health.Unhealthy("pool is shut down", ErrPoolClosed)
		case s.CircuitState == resilience.StateOpen.String():
			r = health.Unhealthy("circuit breaker is open", ErrCircuitOpen)
		case s.Size > 0 && s.Healthy == 0:
			r = health.Unhealthy("no healthy connections", nil)
		case s.Size == 0 && s.MinSize > 0:
			r = health.Unhealthy("no connections", nil)
		case s.CircuitState == resilience.StateHalfOpen.String():
			r = health.Degraded("circuit breaker is half-open")
		case s.Unhealthy > 0:
			r = health.Degraded(fmt.Sprintf("%d of %d connections unhealthy", s.Unhealthy, s.Size))
		default:
			r = health.Healthy(fmt.Sprintf("%d connections", s.Size))
		}
		return r.WithDetails(details)
	})
}
