package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// AggregatorConfig configures the health aggregator.
type AggregatorConfig struct {
	// Timeout is the maximum time to wait for all checks.
	// Default: 10 seconds
	Timeout time.Duration

	// MaxConcurrency caps how many checks run at once. Values <= 0 mean
	// unlimited; 1 runs checks sequentially.
	// Default: 0
	MaxConcurrency int
}

// Report is the combined outcome of every registered check.
type Report struct {
	Status    Status
	Results   map[string]Result
	Timestamp time.Time
}

// Aggregator combines multiple health checkers into a single composite check.
//
// Contract:
// - Concurrency: safe for concurrent use; registration may race with checks.
// - Errors: a check that panics or outlives the deadline is reported unhealthy.
type Aggregator struct {
	config   AggregatorConfig
	mu       sync.RWMutex
	checkers map[string]Checker
	order    []string
}

// NewAggregator creates a new health aggregator.
func NewAggregator(config ...AggregatorConfig) *Aggregator {
	var cfg AggregatorConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Aggregator{
		config:   cfg,
		checkers: make(map[string]Checker),
	}
}

// Register adds a health checker. Registering an existing name replaces it.
func (a *Aggregator) Register(name string, checker Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.checkers[name]; !exists {
		a.order = append(a.order, name)
	}
	a.checkers[name] = checker
}

// Unregister removes a health checker.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.checkers[name]; !ok {
		return
	}
	delete(a.checkers, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// CheckerNames returns the registered names in registration order.
func (a *Aggregator) CheckerNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, len(a.order))
	copy(names, a.order)
	return names
}

// Check runs a single named health check.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	checker, ok := a.checkers[name]
	a.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrCheckerNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()
	return runCheck(ctx, checker), nil
}

// CheckAll runs all registered health checks and returns the results by name.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]Result {
	a.mu.RLock()
	checkers := make(map[string]Checker, len(a.checkers))
	for name, checker := range a.checkers {
		checkers[name] = checker
	}
	a.mu.RUnlock()

	results := make(map[string]Result, len(checkers))
	if len(checkers) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if a.config.MaxConcurrency > 0 {
		g.SetLimit(a.config.MaxConcurrency)
	}
	for name, checker := range checkers {
		g.Go(func() error {
			result := runCheck(ctx, checker)
			mu.Lock()
			results[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Report runs every check and computes the overall status.
func (a *Aggregator) Report(ctx context.Context) Report {
	results := a.CheckAll(ctx)
	return Report{
		Status:    OverallStatus(results),
		Results:   results,
		Timestamp: time.Now(),
	}
}

// OverallStatus returns the most severe status in results, or healthy when
// results is empty.
func OverallStatus(results map[string]Result) Status {
	status := StatusHealthy
	for _, r := range results {
		status = Worst(status, r.Status)
	}
	return status
}

// runCheck runs checker on its own goroutine so a check that ignores ctx
// cannot hold the caller past the deadline.
func runCheck(ctx context.Context, checker Checker) Result {
	start := time.Now()
	resultCh := make(chan Result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- Unhealthy(fmt.Sprintf("check panicked: %v", r), ErrCheckPanicked).
					WithDuration(time.Since(start))
			}
		}()
		result := checker.Check(ctx)
		result.Duration = time.Since(start)
		if result.Timestamp.IsZero() {
			result.Timestamp = start
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return Result{
			Status:    StatusUnhealthy,
			Message:   "check timed out",
			Error:     ErrCheckTimeout,
			Duration:  time.Since(start),
			Timestamp: start,
		}
	}
}

// Checker returns the aggregator as a single Checker.
func (a *Aggregator) Checker() Checker {
	return NewCheckerFunc("aggregate", func(ctx context.Context) Result {
		report := a.Report(ctx)

		details := make(map[string]any, len(report.Results))
		for name, r := range report.Results {
			details[name] = r.Status.String()
		}

		var message string
		switch report.Status {
		case StatusHealthy:
			message = "all checks passed"
		case StatusDegraded:
			message = "some checks degraded"
		default:
			message = "some checks failed"
		}
		return Result{
			Status:    report.Status,
			Message:   message,
			Details:   details,
			Timestamp: report.Timestamp,
		}
	})
}
