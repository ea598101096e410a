package api

import (
	"errors"
	"fmt"
)

// Error taxonomy. Only ValidationError and AuthorizationError are fatal to a
// request; the rest degrade gracefully with partial-result reporting.

// ValidationError covers missing or out-of-range request fields. Returned to
// the caller, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InsufficientDataError is raised by the forecaster when fewer than the
// required historical points are supplied. The caller decides whether to
// invoke the synthesizer first; the forecaster never falls back on its own.
type InsufficientDataError struct {
	Points   int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient history: %d points (need ≥%d)", e.Points, e.Required)
}

// UpstreamUnavailableError marks an external forecast source failure. It is
// always recovered locally by the statistical fallback and never surfaced to
// the end caller.
type UpstreamUnavailableError struct {
	URL    string
	Reason string
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("external source unavailable (%s): %s", e.URL, e.Reason)
}

// PersistenceError marks a single failed upsert or insert. The unit is
// logged and skipped; the overall operation continues.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrUnauthorized hard-fails admin-gated operations.
var ErrUnauthorized = errors.New("caller lacks required role")

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsInsufficientData reports whether err is (or wraps) an
// InsufficientDataError.
func IsInsufficientData(err error) bool {
	var ie *InsufficientDataError
	return errors.As(err, &ie)
}
