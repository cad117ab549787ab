// Package errors provides error handling for lector.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Details and hints attached to errors
//
// Usage:
//
//	if err := store.UpdateJob(ctx, item); err != nil {
//	    err = errors.Wrap(err, "failed to reset orphaned job")
//	    return errors.WithDetailf(err, "Job ID: %d", item.ID)
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"fmt"
	"time"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors. Wrap them with errors.Wrap() to add context while
// preserving the type for errors.Is().
var (
	// ErrNotFound indicates the requested hook, job or record does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed job record or request
	ErrInvalidRequest = New("invalid request")

	// ErrHookDisabled indicates the hook exists but is currently disabled.
	// Callers use it to tell "temporarily disabled" apart from ErrNotFound.
	ErrHookDisabled = New("hook disabled")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsHookDisabledError checks if an error is or wraps ErrHookDisabled
func IsHookDisabledError(err error) bool {
	return err != nil && Is(err, ErrHookDisabled)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, fmt.Sprintf(format, args...))
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// NewHookDisabledError creates a disabled-hook error naming the hook
func NewHookDisabledError(hookName string) error {
	return Wrap(ErrHookDisabled, fmt.Sprintf("hook %q", hookName))
}

// FatalSchedulerError is returned by the scheduler health check when continuing
// would risk running the same logical job twice. Only the process entry point
// handles it, by exiting so the supervisor can restart the process cleanly.
type FatalSchedulerError struct {
	Reason    string
	StuckJobs int
	Since     time.Time
}

func (e *FatalSchedulerError) Error() string {
	if e.Since.IsZero() {
		return fmt.Sprintf("fatal scheduler state: %s (%d stuck jobs)", e.Reason, e.StuckJobs)
	}
	return fmt.Sprintf("fatal scheduler state: %s (%d stuck jobs since %s)",
		e.Reason, e.StuckJobs, e.Since.Format(time.RFC3339))
}

// IsFatalSchedulerError reports whether err is or wraps a *FatalSchedulerError.
func IsFatalSchedulerError(err error) bool {
	var fatal *FatalSchedulerError
	return err != nil && As(err, &fatal)
}
