package perf

import "time"

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind names the threshold an alert breached.
type AlertKind string

const (
	AlertLatency   AlertKind = "latency"
	AlertErrorRate AlertKind = "error_rate"
	AlertCost      AlertKind = "cost"
	AlertCacheMiss AlertKind = "cache_miss"
)

// Sample is one recorded operation.
type Sample struct {
	ID        string
	Operation string
	Duration  time.Duration
	Timestamp time.Time
	Success   bool
	// Cached is true when the result was served from the query cache.
	Cached bool
	// Cacheable marks samples that went through a cache lookup; only those
	// count toward cache-miss alerts.
	Cacheable bool
	// Nested marks samples taken inside another measured operation, such as
	// the pool call behind a cache miss. They are reported under their own
	// operation but left out of Summary totals and cost alerts.
	Nested bool
	Cost   float64
	Error  string
	Tags   map[string]string
}

// AggregatedMetric summarizes one operation over one aggregation window.
type AggregatedMetric struct {
	Operation    string
	WindowStart  time.Time
	WindowEnd    time.Time
	Count        int
	AvgDuration  time.Duration
	MinDuration  time.Duration
	MaxDuration  time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	SuccessRate  float64
	CacheHitRate float64
	TotalCost    float64
}

// Alert is a threshold breach.
type Alert struct {
	ID        string
	Kind      AlertKind
	Operation string
	Threshold float64
	Observed  float64
	Severity  Severity
	Timestamp time.Time
	Message   string
}

// OperationSummary is the per-operation part of a Summary.
type OperationSummary struct {
	Count        int
	SuccessRate  float64
	CacheHitRate float64
	AvgDuration  time.Duration
	P95Duration  time.Duration
	TotalCost    float64
}

// Summary describes the samples recorded within a window. Totals cover
// top-level samples only; Operations covers every sample.
type Summary struct {
	Window          time.Duration
	TotalOperations int
	SuccessRate     float64
	CacheHitRate    float64
	AvgDuration     time.Duration
	P50Duration     time.Duration
	P95Duration     time.Duration
	P99Duration     time.Duration
	TotalCost       float64
	Operations      map[string]OperationSummary
	ActiveAlerts    int
	CriticalAlerts  int
}
