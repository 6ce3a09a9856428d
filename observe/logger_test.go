package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (Logger, *zapobserver.ObservedLogs) {
	core, logs := zapobserver.New(level)
	return NewZapLogger(zap.New(core)), logs
}

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", &buf)

	logger.Info(context.Background(), "pool refilled",
		Field{Key: "created", Value: 2},
		Field{Key: "duration_ms", Value: 50.5},
	)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output as JSON: %v\nOutput: %s", err, buf.String())
	}

	if entry["msg"] != "pool refilled" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
	if entry["created"] != float64(2) || entry["duration_ms"] != 50.5 {
		t.Errorf("fields = %v", entry)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{"debug", []string{"debug", "info", "warn", "error"}},
		{"info", []string{"info", "warn", "error"}},
		{"warn", []string{"warn", "error"}},
		{"error", []string{"error"}},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			core, logs := zapobserver.New(ParseLogLevel(tt.level))
			logger := NewZapLogger(zap.New(core))
			ctx := context.Background()

			logger.Debug(ctx, "debug")
			logger.Info(ctx, "info")
			logger.Warn(ctx, "warn")
			logger.Error(ctx, "error")

			entries := logs.All()
			if len(entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(entries), len(tt.want))
			}
			for i, e := range entries {
				if e.Message != tt.want[i] {
					t.Errorf("entry %d = %q, want %q", i, e.Message, tt.want[i])
				}
			}
		})
	}
}

func TestLogger_RedactsSensitiveFields(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)

	logger.Info(context.Background(), "client opened",
		Field{Key: "key", Value: "c2VjcmV0LWtleQ=="},
		Field{Key: "connectionString", Value: "AccountEndpoint=https://x;AccountKey=abc"},
		Field{Key: "endpoint", Value: "https://x"},
	)

	fields := logs.All()[0].ContextMap()
	if fields["key"] != "[REDACTED]" {
		t.Errorf("key = %v, want redacted", fields["key"])
	}
	if fields["connectionString"] != "[REDACTED]" {
		t.Errorf("connectionString = %v, want redacted", fields["connectionString"])
	}
	if fields["endpoint"] != "https://x" {
		t.Errorf("endpoint = %v, want passthrough", fields["endpoint"])
	}
}

func TestLogger_WithAddsFields(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)

	scoped := logger.With(Field{Key: "component", Value: "pool"}, Field{Key: "token", Value: "t"})
	scoped.Warn(context.Background(), "probe failed", Field{Key: "error", Value: errors.New("timeout")})

	fields := logs.All()[0].ContextMap()
	if fields["component"] != "pool" {
		t.Errorf("component = %v", fields["component"])
	}
	if fields["token"] != "[REDACTED]" {
		t.Errorf("token = %v, want redacted", fields["token"])
	}
	if fields["error"] != "timeout" {
		t.Errorf("error = %v", fields["error"])
	}
}

func TestLogger_AttachesTraceContext(t *testing.T) {
	logger, logs := newObservedLogger(zapcore.DebugLevel)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tracetest.NewSpanRecorder()))

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.Info(ctx, "inside span")
	span.End()
	logger.Info(context.Background(), "outside span")

	inside := logs.All()[0].ContextMap()
	if inside["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", inside["trace_id"])
	}
	if _, ok := logs.All()[1].ContextMap()["trace_id"]; ok {
		t.Error("trace_id must be absent without a span")
	}
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	l.Info(context.Background(), "x")
	if l.With(Field{Key: "k", Value: 1}) == nil {
		t.Fatal("With must return a logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"unknown": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
