package archive

import "errors"

var (
	// ErrCorrupt is returned when a blob cannot be decoded or the restored directory does not
	// contain the required credential files.
	ErrCorrupt = errors.New("archive corrupt")

	// ErrTooLarge is returned when a blob or its uncompressed content exceeds the size limit.
	ErrTooLarge = errors.New("archive too large")

	// ErrInvalidID is returned for session ids that are not a single safe path element.
	ErrInvalidID = errors.New("invalid session id")
)
