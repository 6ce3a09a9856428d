package secret

import "errors"

var (
	// ErrMissingEnv indicates ${VAR} named a variable that is not set.
	ErrMissingEnv = errors.New("secret: missing required environment variables")

	// ErrUnknownProvider indicates a reference named an unregistered provider.
	ErrUnknownProvider = errors.New("secret: provider not registered")

	// ErrNotFound indicates a provider has no value for the reference.
	ErrNotFound = errors.New("secret: not found")

	// ErrEmptySecret indicates a strict resolver got an empty value.
	ErrEmptySecret = errors.New("secret: empty value")
)
