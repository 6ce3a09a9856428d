package pool

import (
	"context"
	"time"

	"github.com/jonwraymond/dbshield/docdb"
	"github.com/jonwraymond/dbshield/observe"
	"github.com/jonwraymond/dbshield/perf"
)

// coster is implemented by results that carry a request-unit cost, such as
// docdb.Result.
type coster interface {
	RequestCost() float64
}

// Execute runs fn with a pooled client through the circuit breaker.
//
// The connection is released on every path, including a panic in fn. The
// outcome updates the connection's health and the breaker; cancellation by
// the caller counts against neither. operation names the call in traces,
// metrics and performance samples. Under a perf.WithinOperation context the
// sample is recorded as nested.
func Execute[T any](ctx context.Context, m *Manager, operation string, fn func(ctx context.Context, c docdb.Client) (T, error)) (result T, err error) {
	done, err := m.breaker.Allow()
	if err != nil {
		return result, err
	}

	conn, err := m.acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			done(errCheckoutAbandoned)
		} else {
			done(err)
		}
		return result, err
	}
	defer m.ReleaseConnection(conn)

	finish := m.measure("pool."+operation, perf.InOperation(ctx))
	start := m.clock()
	completed := false
	defer func() {
		if !completed {
			m.recordHealth(conn.e, errPanicked, m.clock().Sub(start))
			done(errPanicked)
			finish(errPanicked, 0)
		}
	}()

	meta := observe.OpMeta{Component: "pool", Operation: operation}
	err = m.mw.Wrap(func(ctx context.Context, _ observe.OpMeta) error {
		var opErr error
		result, opErr = fn(ctx, conn.e.client)
		return opErr
	})(ctx, meta)
	completed = true

	m.recordHealth(conn.e, err, m.clock().Sub(start))
	done(err)

	var cost float64
	if c, ok := any(result).(coster); ok && err == nil {
		cost = c.RequestCost()
	}
	finish(err, cost)
	return result, err
}

// ExecuteWithConnection runs fn with a pooled client. See Execute.
func (m *Manager) ExecuteWithConnection(ctx context.Context, operation string, fn func(ctx context.Context, c docdb.Client) error) error {
	_, err := Execute(ctx, m, operation, func(ctx context.Context, c docdb.Client) (struct{}, error) {
		return struct{}{}, fn(ctx, c)
	})
	return err
}

// Query runs q on a pooled client.
func (m *Manager) Query(ctx context.Context, q docdb.Query) (docdb.Result, error) {
	return Execute(ctx, m, "query", func(ctx context.Context, c docdb.Client) (docdb.Result, error) {
		return c.ExecuteQuery(ctx, q)
	})
}

func (m *Manager) recordHealth(e *entry, err error, latency time.Duration) {
	m.mu.Lock()
	e.health.record(err, latency, m.config.LatencyAlpha, m.config.UnhealthyAfter, m.clock())
	m.mu.Unlock()
}
