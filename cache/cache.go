package cache

import "errors"

// ErrInvalidCapacity is returned when a cache is built with capacity <= 0.
var ErrInvalidCapacity = errors.New("cache: capacity must be positive")
