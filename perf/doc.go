// Package perf records per-operation database samples, aggregates them into
// rolling windows, and raises threshold alerts.
//
// Recording never performs I/O: a sample is appended to a bounded in-memory
// buffer and checked against the latency and cost thresholds on the spot.
// Aggregation runs on a timer (or on demand via Aggregate) and adds the
// error-rate and cache-miss checks, which only make sense over many samples.
//
// Alerts are informational. They are logged, exported as metrics, and kept
// for AlertRetention; they never change the outcome of the sampled operation.
package perf
