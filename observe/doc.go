// Package observe provides the telemetry primitives used around database
// operations: an OpenTelemetry-backed Observer, a zap-backed structured
// Logger, operation metrics and a tracing/logging Middleware.
//
// It performs no I/O beyond exporter setup. Components accept the pieces
// they need (Logger, Metrics, Middleware) and default to no-ops.
package observe
