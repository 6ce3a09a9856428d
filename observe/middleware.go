package observe

import (
	"context"
	"time"
)

// ExecuteFunc is a database call wrapped by Middleware.
type ExecuteFunc func(ctx context.Context, meta OpMeta) error

// Middleware wraps database calls with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe ExecuteFunc.
//   - Context: the span is carried by the ctx passed to the wrapped function.
//   - Errors: errors from the wrapped function are recorded and propagated unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a new Middleware. Nil components become no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = NoopTracer()
	}
	if metrics == nil {
		metrics = NoopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Wrap wraps an ExecuteFunc with tracing, metrics, and logging. Successful
// calls log at debug; failures log at error.
func (m *Middleware) Wrap(fn ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, meta OpMeta) error {
		ctx, span := m.tracer.StartSpan(ctx, meta)
		start := time.Now()

		err := fn(ctx, meta)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordOperation(ctx, meta, duration, err)

		fields := append(meta.fields(), Field{Key: "duration_ms", Value: float64(duration.Microseconds()) / 1000})
		if err != nil {
			fields = append(fields, Field{Key: "error", Value: err.Error()})
			m.logger.Error(ctx, "database operation failed", fields...)
		} else {
			m.logger.Debug(ctx, "database operation completed", fields...)
		}

		return err
	}
}

// Metrics returns the metrics sink used by the middleware.
func (m *Middleware) Metrics() Metrics {
	return m.metrics
}

// Logger returns the logger used by the middleware.
func (m *Middleware) Logger() Logger {
	return m.logger
}

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}

	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
