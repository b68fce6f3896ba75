package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common domain errors shared by the storage core, services and adapters
var (
	// ErrNotFound indicates that a requested record was not found
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates that input validation failed
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates that a write conflicts with stored state (constraint violation)
	ErrConflict = errors.New("conflict")

	// ErrBusy indicates that the store stayed locked after every retry
	ErrBusy = errors.New("store busy")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrInvariantViolated indicates that a business rule was violated
	ErrInvariantViolated = errors.New("invariant violated")

	// ErrDependencyFailure indicates that the store or another dependency is unavailable
	ErrDependencyFailure = errors.New("dependency failure")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	// KindUnknown represents an unclassified error
	KindUnknown Kind = iota
	// KindNotFound represents record not found errors
	KindNotFound
	// KindValidation represents input validation errors
	KindValidation
	// KindConflict represents constraint violations
	KindConflict
	// KindBusy represents lock contention that outlived the retry budget
	KindBusy
	// KindInternal represents internal errors
	KindInternal
	// KindTimeout represents timeout errors
	KindTimeout
	// KindInvariantViolated represents business rule violations
	KindInvariantViolated
	// KindDependencyFailure represents store or dependency failures
	KindDependencyFailure
	// KindCanceled represents context cancellation
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	case KindConflict:
		return "Conflict"
	case KindBusy:
		return "Busy"
	case KindInternal:
		return "Internal"
	case KindTimeout:
		return "Timeout"
	case KindInvariantViolated:
		return "InvariantViolated"
	case KindDependencyFailure:
		return "DependencyFailure"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

var kindToSentinel = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindValidation:        ErrValidation,
	KindConflict:          ErrConflict,
	KindBusy:              ErrBusy,
	KindInternal:          ErrInternal,
	KindTimeout:           ErrTimeout,
	KindInvariantViolated: ErrInvariantViolated,
	KindDependencyFailure: ErrDependencyFailure,
}

// kindPriorities defines the deterministic order for error classification.
// Higher priority (lower index) kinds are checked first in KindOf.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindConflict, ErrConflict},
	{KindBusy, ErrBusy}, // a busy connection attempt is also a dependency failure; busy wins
	{KindDependencyFailure, ErrDependencyFailure},
	{KindInternal, ErrInternal},
	{KindInvariantViolated, ErrInvariantViolated},
}

// KindOf returns the Kind of the given error by checking against known sentinel errors.
// It traverses the error chain using a deterministic priority order:
//
//  1. KindCanceled (context.Canceled)
//  2. KindTimeout (context.DeadlineExceeded, ErrTimeout, net timeout errors)
//  3. KindNotFound, KindValidation, KindConflict
//  4. KindBusy, then KindDependencyFailure
//  5. KindInternal, KindInvariantViolated
//
// Returns KindUnknown for unrecognized errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if priority.err != nil && errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// sentinelOf returns the sentinel error for the given Kind.
// For KindUnknown and KindCanceled, it returns nil.
func sentinelOf(kind Kind) error {
	if sentinel, exists := kindToSentinel[kind]; exists {
		return sentinel
	}
	return nil
}

// MarkKind wraps an error with the sentinel for the given kind, preserving the original error.
// If err is nil, returns the sentinel error for the kind (or nil for unsupported kinds).
// Marking an error with a kind it already has returns the error unchanged.
//
//	if errors.Is(err, sql.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return sentinelOf(kind)
	}

	switch kind {
	case KindUnknown, KindCanceled:
		return err
	}

	sentinel := sentinelOf(kind)
	if sentinel == nil {
		return err
	}

	if KindOf(err) == kind {
		return err
	}

	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap wraps an error with additional context.
// It returns a new error that formats as "context: err".
// If err is nil, Wrap returns nil.
// If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(format, args...)
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Invariant checks a condition and returns an error if it's false.
func Invariant(condition bool, message string) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvariantViolated, message)
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsConflict reports whether the error indicates a constraint violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsBusy reports whether the error indicates exhausted lock contention.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
