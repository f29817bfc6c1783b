package backend

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks network failures worth retrying next cycle.
	ErrTransient = errors.New("transient network error")
	// ErrInvalidIdentifier rejects candidate ids that are malformed or
	// implausibly short.
	ErrInvalidIdentifier = errors.New("invalid item identifier")
	// ErrNoItem means the source answered but listed nothing usable.
	ErrNoItem = errors.New("no item found")
	// ErrUnavailable means the backend cannot run (not configured, no
	// healthy endpoint).
	ErrUnavailable = errors.New("backend unavailable")
	// ErrAccountDisabled is returned for accounts with an empty backend
	// override.
	ErrAccountDisabled = errors.New("account disabled")
)

// Transient wraps err so errors.Is(err, ErrTransient) holds.
//
//	return backend.Transient(fmt.Errorf("get %s: %w", url, err))
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

type transientError struct{ err error }

func (e transientError) Error() string        { return "transient: " + e.err.Error() }
func (e transientError) Unwrap() error        { return e.err }
func (e transientError) Is(target error) bool { return target == ErrTransient }

// RateLimitedError carries the moment the backend accepts requests again.
type RateLimitedError struct {
	Backend string
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited until %s", e.Backend, e.ResetAt.Format(time.RFC3339))
}

// AsRateLimited unwraps a RateLimitedError.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	ok := errors.As(err, &rl)
	return rl, ok
}

// ParseError reports a page or payload whose structure changed.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string { return "parse " + e.Source + ": " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

func Parse(source string, err error) error {
	if err == nil {
		return nil
	}
	return &ParseError{Source: source, Err: err}
}

// Kind names the error class for logs and metrics.
func Kind(err error) string {
	var pe *ParseError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAccountDisabled):
		return "disabled"
	case errors.As(err, new(*RateLimitedError)):
		return "rate_limited"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.As(err, &pe):
		return "parse"
	case errors.Is(err, ErrInvalidIdentifier):
		return "invalid_id"
	case errors.Is(err, ErrNoItem):
		return "no_item"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
