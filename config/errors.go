package config

import "errors"

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("config: invalid configuration")

	// ErrRead is returned when the file cannot be read or parsed.
	ErrRead = errors.New("config: failed to read configuration")
)
