package pool

import (
	"errors"

	"github.com/jonwraymond/dbshield/resilience"
)

var (
	// ErrNoConnectionsAvailable is returned when the pool is at MaxSize and
	// no connection was released within AcquireTimeout.
	ErrNoConnectionsAvailable = errors.New("pool: no connections available")

	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrShutdownTimeout is returned by Shutdown when connections were still
	// checked out after ShutdownTimeout.
	ErrShutdownTimeout = errors.New("pool: shutdown timed out with active connections")

	// ErrInvalidConfig indicates a Config that failed validation.
	ErrInvalidConfig = errors.New("pool: invalid config")

	// ErrCircuitOpen is returned while the breaker rejects calls. It is the
	// same value as resilience.ErrCircuitOpen.
	ErrCircuitOpen = resilience.ErrCircuitOpen

	errPanicked = errors.New("pool: operation panicked")

	// errCheckoutAbandoned reports a checkout the caller gave up on.
	errCheckoutAbandoned = errors.New("pool: checkout abandoned")
)
