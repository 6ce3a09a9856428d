package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means operations flow normally.
	StateClosed State = iota
	// StateOpen means every operation is rejected without being attempted.
	StateOpen
	// StateHalfOpen means a limited number of trial operations are let through.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and state-change callbacks.
	// Default: "db"
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successful trials in
	// half-open state that closes the circuit. It also bounds how many
	// trials may be in flight while half-open.
	// Default: 2
	SuccessThreshold int

	// Timeout is how long the circuit stays open before allowing trials.
	// Default: 60 seconds
	Timeout time.Duration

	// OnStateChange is called when the circuit state changes. It runs while
	// the breaker holds its lock and must not call back into the breaker.
	OnStateChange func(from, to State)

	// IsFailure determines if an error should count as a failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool

	// IsExcluded reports outcomes that count as neither success nor
	// failure, such as a caller giving up. An excluded half-open trial
	// frees its slot for the next caller.
	// Default: nothing is excluded.
	IsExcluded func(err error) bool
}

// CircuitBreaker guards a dependency by rejecting operations after
// repeated consecutive failures.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Closed → Open after FailureThreshold consecutive failures.
// - Open → HalfOpen once Timeout has elapsed; observed lazily on the next call.
// - HalfOpen → Closed after SuccessThreshold consecutive successes.
// - Excluded outcomes never move the breaker or reset its streaks.
// - HalfOpen → Open on any failure.
// - While open, operations are never invoked and ErrCircuitOpen is returned.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	cb     *gobreaker.TwoStepCircuitBreaker[any]

	mu          sync.Mutex
	rejected    int64
	lastFailure time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "db"
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	if config.IsExcluded == nil {
		config.IsExcluded = func(error) bool { return false }
	}

	threshold := uint32(config.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: uint32(config.SuccessThreshold),
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool { return !config.IsFailure(err) },
		IsExcluded:   config.IsExcluded,
	}
	if config.OnStateChange != nil {
		notify := config.OnStateChange
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			notify(fromGobreaker(from), fromGobreaker(to))
		}
	}

	return &CircuitBreaker{
		config: config,
		cb:     gobreaker.NewTwoStepCircuitBreaker[any](settings),
	}
}

// Allow asks for permission to run one operation. On success the caller
// must invoke done exactly once with the operation's error; done is
// idempotent. When the circuit is open, ErrCircuitOpen is returned and
// done is nil. An error matched by IsExcluded releases the ticket without
// counting it.
func (b *CircuitBreaker) Allow() (done func(err error), err error) {
	report, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.mu.Lock()
			b.rejected++
			b.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	var once sync.Once
	return func(opErr error) {
		once.Do(func() {
			if !b.config.IsExcluded(opErr) && b.config.IsFailure(opErr) {
				b.mu.Lock()
				b.lastFailure = time.Now()
				b.mu.Unlock()
			}
			report(opErr)
		})
	}, nil
}

// Execute runs the operation through the circuit breaker. A panicking
// operation is recorded as a failure before the panic propagates.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) (err error) {
	done, err := b.Allow()
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			done(errPanicked)
		}
	}()

	err = op(ctx)
	completed = true
	done(err)
	return err
}

var errPanicked = errors.New("resilience: operation panicked")

// State returns the current circuit state.
func (b *CircuitBreaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Name returns the breaker name.
func (b *CircuitBreaker) Name() string {
	return b.config.Name
}

// Config returns the effective configuration.
func (b *CircuitBreaker) Config() CircuitBreakerConfig {
	return b.config
}

// Metrics returns current circuit breaker metrics.
func (b *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	state := b.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitBreakerMetrics{
		State:                state,
		Requests:             counts.Requests,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		TotalFailures:        counts.TotalFailures,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalExclusions:      counts.TotalExclusions,
		Rejected:             b.rejected,
		LastFailure:          b.lastFailure,
	}
}

// CircuitBreakerMetrics contains circuit breaker statistics. Request
// counts cover the current state generation and reset on every transition.
type CircuitBreakerMetrics struct {
	State                State
	Requests             uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	TotalFailures        uint32
	TotalSuccesses       uint32
	TotalExclusions      uint32
	Rejected             int64
	LastFailure          time.Time
}
