package perf

import "errors"

// ErrInvalidThresholds indicates a warning threshold above its critical
// counterpart, or a rate outside [0, 1].
var ErrInvalidThresholds = errors.New("perf: invalid thresholds")
