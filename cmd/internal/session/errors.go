package session

import (
	"errors"
	"fmt"
	"time"

	"waplex/cmd/internal/archive"
	"waplex/cmd/internal/persist"
)

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	ErrAlreadyExists = errors.New("session already exists")
	ErrNotFound      = errors.New("session not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrRateLimited   = errors.New("rate limited")
	ErrClosed        = errors.New("session manager closed")

	// ErrProtocolFailure is returned when the protocol client fails to connect, disconnect
	// or log out.
	ErrProtocolFailure = errors.New("protocol client failure")

	// ErrArchiveCorrupt matches archive.ErrCorrupt as well.
	ErrArchiveCorrupt = fmt.Errorf("session: %w", archive.ErrCorrupt)

	// ErrBackendUnavailable matches persist.ErrUnavailable as well.
	ErrBackendUnavailable = fmt.Errorf("session: %w", persist.ErrUnavailable)
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above; Err is the underlying cause, if any.
type OpError struct {
	Op        string
	SessionID string
	Kind      error
	Err       error
}

func (e OpError) Error() string {
	msg := e.Op
	if e.SessionID != "" {
		msg += " " + e.SessionID
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RateLimitError carries retry metadata for reconnect throttling.
type RateLimitError struct {
	SessionID  string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrRateLimited.Error()
	}
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited.Error(), e.RetryAfter.Round(time.Millisecond))
}

func (e RateLimitError) Unwrap() error { return ErrRateLimited }

// Failure is one failed step of a best-effort operation.
type Failure struct {
	SessionID string
	Step      string
	Err       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Step, f.SessionID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Diagnostics collects the failures of a best-effort operation (delete, restore, shutdown).
// An empty Diagnostics means every step succeeded.
type Diagnostics struct {
	Failures []Failure
}

// OK reports whether no step failed.
func (d Diagnostics) OK() bool { return len(d.Failures) == 0 }

// Err joins all failures, or returns nil.
func (d Diagnostics) Err() error {
	if len(d.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(d.Failures))
	for i, f := range d.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

func (d *Diagnostics) add(id, step string, err error) {
	if err == nil {
		return
	}
	d.Failures = append(d.Failures, Failure{SessionID: id, Step: step, Err: err})
}

// classify maps lower-layer errors onto session kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, archive.ErrCorrupt), errors.Is(err, archive.ErrTooLarge):
		// An oversized archive is as unusable as a corrupt one.
		return ErrArchiveCorrupt
	case errors.Is(err, archive.ErrInvalidID), errors.Is(err, persist.ErrInvalidInput):
		return ErrInvalidInput
	case errors.Is(err, persist.ErrUnavailable):
		return ErrBackendUnavailable
	default:
		return ErrProtocolFailure
	}
}
