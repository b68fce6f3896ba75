// Package retry provides retry logic with exponential backoff and optional jitter.
//
// Key Features:
//   - Caller-supplied retryable classifier
//   - Configurable attempt and delay limits
//   - Jitter strategies (None, Equal, Decorrelated), see ParseJitterStrategy
//   - Observability hook (OnRetry)
//   - Injectable time source and timer for tests
//
// Basic Usage:
//
//	err := retry.DoWithRetryable(ctx, retry.Config{
//	    MaxAttempts:  6,
//	    InitialDelay: 100 * time.Millisecond,
//	    MaxDelay:     2 * time.Second,
//	    Multiplier:   1.5,
//	}, fn, isBusy)
//
// Errors that the classifier rejects are returned unchanged. A retryable error
// still present after the last attempt is wrapped in *RetriesExceededError, so
// callers can tell "gave up" from "failed".
//
// Deterministic schedules (JitterNone) are non-decreasing and never exceed
// MaxDelay; Config.Delay exposes the schedule for inspection.
package retry
