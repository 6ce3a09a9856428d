package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records database operation metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordOperation records one call with its duration and outcome.
	RecordOperation(ctx context.Context, meta OpMeta, duration time.Duration, err error)

	// RecordCost records request units charged for one call.
	RecordCost(ctx context.Context, meta OpMeta, cost float64)

	// RecordCacheLookup records a query cache lookup.
	RecordCacheLookup(ctx context.Context, meta OpMeta, hit bool)

	// RecordAlert records a raised performance alert.
	RecordAlert(ctx context.Context, kind, severity string)
}

type metricsImpl struct {
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	costHist     metric.Float64Histogram
	cacheLookups metric.Int64Counter
	alertCount   metric.Int64Counter
}

// NewMetrics creates Metrics instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	totalCount, err := meter.Int64Counter(
		"db.operation.total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"db.operation.errors",
		metric.WithDescription("Total number of failed database operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"db.operation.duration_ms",
		metric.WithDescription("Database operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	costHist, err := meter.Float64Histogram(
		"db.operation.cost",
		metric.WithDescription("Request units charged per database operation"),
		metric.WithUnit("{RU}"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookups, err := meter.Int64Counter(
		"db.cache.lookups",
		metric.WithDescription("Query cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	alertCount, err := meter.Int64Counter(
		"db.alerts.total",
		metric.WithDescription("Performance alerts raised"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		costHist:     costHist,
		cacheLookups: cacheLookups,
		alertCount:   alertCount,
	}, nil
}

func (m *metricsImpl) RecordOperation(ctx context.Context, meta OpMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(meta.attributes()...)

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

func (m *metricsImpl) RecordCost(ctx context.Context, meta OpMeta, cost float64) {
	m.costHist.Record(ctx, cost, metric.WithAttributes(meta.attributes()...))
}

func (m *metricsImpl) RecordCacheLookup(ctx context.Context, meta OpMeta, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	attrs := append(meta.attributes(), attribute.String("db.cache.result", result))
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metricsImpl) RecordAlert(ctx context.Context, kind, severity string) {
	m.alertCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("alert.kind", kind),
		attribute.String("alert.severity", severity),
	))
}

type noopMetrics struct{}

// NoopMetrics returns Metrics that record nothing.
func NoopMetrics() Metrics { return noopMetrics{} }

func (noopMetrics) RecordOperation(context.Context, OpMeta, time.Duration, error) {}
func (noopMetrics) RecordCost(context.Context, OpMeta, float64)                   {}
func (noopMetrics) RecordCacheLookup(context.Context, OpMeta, bool)               {}
func (noopMetrics) RecordAlert(context.Context, string, string)                   {}
