package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jonwraymond/dbshield/resilience"
)

// Status represents the health status of a component.
type Status int

const (
	// StatusHealthy indicates the component is serving normally.
	StatusHealthy Status = iota
	// StatusDegraded indicates the component serves traffic with reduced capacity.
	StatusDegraded
	// StatusUnhealthy indicates the component cannot serve traffic.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Worst returns the more severe of a and b.
func Worst(a, b Status) Status {
	if b > a {
		return b
	}
	return a
}

// Result contains the outcome of a health check.
type Result struct {
	Status    Status
	Message   string
	Details   map[string]any
	Duration  time.Duration
	Timestamp time.Time
	Error     error
}

// Healthy creates a healthy result.
func Healthy(message string) Result {
	return Result{Status: StatusHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded creates a degraded result.
func Degraded(message string) Result {
	return Result{Status: StatusDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy creates an unhealthy result.
func Unhealthy(message string, err error) Result {
	return Result{Status: StatusUnhealthy, Message: message, Error: err, Timestamp: time.Now()}
}

// WithDetails returns r with details attached.
func (r Result) WithDetails(details map[string]any) Result {
	r.Details = details
	return r
}

// WithDuration returns r with its duration set.
func (r Result) WithDuration(d time.Duration) Result {
	r.Duration = d
	return r
}

// Checker is the interface for health checks.
//
// Contract:
// - Concurrency: Check may be called concurrently.
// - Context: Check must honor cancellation.
// - Errors: failures are reported in the Result, never panicked.
type Checker interface {
	// Name returns the name of this checker.
	Name() string

	// Check performs the health check and returns the result.
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	name string
	fn   func(context.Context) Result
}

// NewCheckerFunc creates a new CheckerFunc.
func NewCheckerFunc(name string, fn func(context.Context) Result) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

// Name returns the name of this checker.
func (f *CheckerFunc) Name() string { return f.name }

// Check performs the health check.
func (f *CheckerFunc) Check(ctx context.Context) Result { return f.fn(ctx) }

// ProbeCheckerConfig configures a ProbeChecker.
type ProbeCheckerConfig struct {
	// Timeout bounds each probe.
	// Default: 2 seconds
	Timeout time.Duration

	// SlowThreshold reports a successful probe slower than this as degraded.
	// Default: 0 (disabled)
	SlowThreshold time.Duration
}

// ProbeChecker reports the outcome of a cheap liveness call.
type ProbeChecker struct {
	name   string
	probe  func(context.Context) error
	config ProbeCheckerConfig
}

// NewProbeChecker creates a checker around probe.
func NewProbeChecker(name string, probe func(context.Context) error, config ProbeCheckerConfig) *ProbeChecker {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	return &ProbeChecker{name: name, probe: probe, config: config}
}

// Name returns the name of this checker.
func (p *ProbeChecker) Name() string { return p.name }

// Check runs the probe once under the configured timeout.
func (p *ProbeChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := resilience.ExecuteWithTimeout(ctx, p.config.Timeout, p.probe)
	elapsed := time.Since(start)

	if err != nil {
		return Unhealthy("probe failed", err).WithDuration(elapsed)
	}
	if p.config.SlowThreshold > 0 && elapsed > p.config.SlowThreshold {
		return Degraded(fmt.Sprintf("probe slow: %s", elapsed.Round(time.Millisecond))).WithDuration(elapsed)
	}
	return Healthy("probe ok").WithDuration(elapsed)
}
