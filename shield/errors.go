package shield

import (
	"errors"
	"fmt"

	"github.com/jonwraymond/dbshield/pool"
)

var (
	// ErrUnavailable wraps conditions under which the database is
	// deliberately not called: an open circuit breaker, an exhausted pool,
	// or a service that has been closed.
	ErrUnavailable = errors.New("shield: service temporarily unavailable")

	// ErrNilFactory is returned by New without a client factory.
	ErrNilFactory = errors.New("shield: nil client factory")
)

// IsUnavailable reports whether err means the database was not called
// because the service is shedding load.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// classify wraps the pool's own rejections with ErrUnavailable and passes
// everything else through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pool.ErrCircuitOpen) ||
		errors.Is(err, pool.ErrNoConnectionsAvailable) ||
		errors.Is(err, pool.ErrPoolClosed) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
