package health

import "errors"

var (
	// ErrCheckTimeout indicates a health check did not return before the
	// aggregator's deadline.
	ErrCheckTimeout = errors.New("health: check timeout")

	// ErrCheckerNotFound indicates a checker was not found.
	ErrCheckerNotFound = errors.New("health: checker not found")

	// ErrCheckPanicked indicates a checker panicked; the aggregator reports
	// it as unhealthy instead of crashing the probe endpoint.
	ErrCheckPanicked = errors.New("health: check panicked")
)
