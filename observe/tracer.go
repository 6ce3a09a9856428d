package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// OpMeta describes a database operation for telemetry purposes.
type OpMeta struct {
	Component string // Layer performing the call: pool, shield, ...
	Operation string // Operation name, e.g. query.threads
	Container string // Target container (optional)
}

// SpanName returns the deterministic span name for this operation.
// Format: db.<component>.<operation> or db.<operation>
func (m OpMeta) SpanName() string {
	if m.Component != "" {
		return "db." + m.Component + "." + m.Operation
	}
	return "db." + m.Operation
}

func (m OpMeta) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", m.Operation),
	}
	if m.Component != "" {
		attrs = append(attrs, attribute.String("db.component", m.Component))
	}
	if m.Container != "" {
		attrs = append(attrs, attribute.String("db.container", m.Container))
	}
	return attrs
}

func (m OpMeta) fields() []Field {
	fields := []Field{{Key: "db.operation", Value: m.Operation}}
	if m.Component != "" {
		fields = append(fields, Field{Key: "db.component", Value: m.Component})
	}
	if m.Container != "" {
		fields = append(fields, Field{Key: "db.container", Value: m.Container})
	}
	return fields
}

// Tracer wraps OpenTelemetry tracing with operation span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for a database operation.
	StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer backed by t.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, meta OpMeta) (context.Context, trace.Span) {
	attrs := append(meta.attributes(), attribute.Bool("db.error", false))
	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("db.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() Tracer {
	return &tracerImpl{tracer: tracenoop.NewTracerProvider().Tracer("noop")}
}
