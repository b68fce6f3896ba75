// Package shared contains common error types and utilities for error handling
// across the application without domain-specific logic.
//
// # Error Classification
//
// Sentinel errors describe the failure conditions the storage core and the
// services report:
//
//   - ErrNotFound: record not found
//   - ErrValidation: input validation failed
//   - ErrConflict: constraint violation
//   - ErrBusy: store stayed locked after every retry
//   - ErrTimeout: operation timed out
//   - ErrDependencyFailure: store unavailable
//   - ErrInternal, ErrInvariantViolated
//
// Use KindOf() to classify errors into categories:
//
//	switch shared.KindOf(err) {
//	case shared.KindBusy:
//	    // ask the client to retry later
//	case shared.KindValidation:
//	    // reject input
//	}
//
// # Kind Priority Table
//
// When multiple error kinds are present (e.g., with errors.Join), KindOf returns the highest priority kind:
//
//	Priority | Kind                  | Description
//	---------|-----------------------|--------------------
//	1        | KindCanceled          | Context cancellation (highest)
//	2        | KindTimeout           | Timeout/deadline errors
//	3        | KindNotFound          | Record not found
//	4        | KindValidation        | Input validation failures
//	5        | KindConflict          | Constraint violations
//	6        | KindBusy              | Exhausted lock retries
//	7        | KindDependencyFailure | Store unavailable
//	8        | KindInternal          | Internal errors
//	9        | KindInvariantViolated | Business rule violations (lowest)
//
// # Error Wrapping and Marking
//
//	if err := repo.GetOrder(ctx, id); err != nil {
//	    return shared.Wrapf(err, "get order %d", id)
//	}
//
//	if errors.Is(err, sql.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
//
// Map Kind to HTTP codes in adapter layers, not in this package. Keep error
// messages lowercase and without punctuation so they compose when wrapped.
package shared
