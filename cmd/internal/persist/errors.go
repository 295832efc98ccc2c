package persist

import "errors"

var (
	// ErrUnavailable is returned when a backend is not configured or fails.
	ErrUnavailable = errors.New("persistence backend unavailable")

	// ErrNotFound is returned by cache reads for missing keys.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for empty identifiers.
	ErrInvalidInput = errors.New("invalid input")
)
