package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// JitterStrategy defines the jitter strategy to use
type JitterStrategy int

const (
	// JitterNone disables jitter, delays grow deterministically
	JitterNone JitterStrategy = iota
	// JitterEqual picks a uniform delay in [MinDelay, baseDelay]
	JitterEqual
	// JitterDecorrelated spreads the delay in [baseDelay, 1.5*baseDelay)
	JitterDecorrelated
)

func (s JitterStrategy) String() string {
	switch s {
	case JitterEqual:
		return "equal"
	case JitterDecorrelated:
		return "decorrelated"
	default:
		return "none"
	}
}

// ParseJitterStrategy parses "none", "equal" or "decorrelated" (case-insensitive).
// An empty string means JitterNone.
func ParseJitterStrategy(s string) (JitterStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return JitterNone, nil
	case "equal":
		return JitterEqual, nil
	case "decorrelated":
		return JitterDecorrelated, nil
	default:
		return JitterNone, fmt.Errorf("retry: unknown jitter strategy %q", s)
	}
}

// Config defines retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first one)
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MinDelay is the minimum delay between retries (defaults to InitialDelay)
	MinDelay time.Duration
	// MaxDelay caps every computed delay
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier
	Multiplier float64
	// JitterStrategy defines the jitter algorithm to use
	JitterStrategy JitterStrategy
	// Rand is the random source for jitter (optional, uses local source if nil)
	Rand *rand.Rand
	// OnRetry is called before each wait for observability
	OnRetry func(attempt int, err error, nextDelay time.Duration)
	// Now returns current time (for testing, defaults to time.Now)
	Now func() time.Time
	// After creates a timer channel (for testing, defaults to time.After)
	After func(d time.Duration) <-chan time.Time
}

// Normalize validates and normalizes the configuration
func (c *Config) Normalize() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.InitialDelay <= 0 {
		return errors.New("retry: InitialDelay must be positive")
	}
	if c.MinDelay <= 0 {
		c.MinDelay = c.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MinDelay > c.MaxDelay {
		return errors.New("retry: MinDelay cannot be greater than MaxDelay")
	}
	if c.InitialDelay < c.MinDelay || c.InitialDelay > c.MaxDelay {
		return errors.New("retry: InitialDelay must be between MinDelay and MaxDelay")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier < 1.0 {
		return errors.New("retry: Multiplier must be >= 1.0")
	}

	if c.Rand == nil && c.JitterStrategy != JitterNone {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.After == nil {
		c.After = time.After
	}

	return nil
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryableFunc determines if an error should trigger a retry
type IsRetryableFunc func(err error) bool

// RetriesExceededError is returned when a retryable error persisted through every attempt
type RetriesExceededError struct {
	LastError     error
	Attempts      int
	TotalDuration time.Duration
	Reason        string
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("retry: %s after %s (%d attempts): %v",
		e.Reason, e.TotalDuration, e.Attempts, e.LastError)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.LastError
}

// DoWithRetryable executes fn with retry logic and a custom retryable check.
//
// Errors rejected by isRetryable are returned as is, on any attempt.
// A retryable error that survives the last attempt is wrapped in *RetriesExceededError.
// Context cancellation returns ctx.Err() without wrapping.
func DoWithRetryable(ctx context.Context, config Config, fn RetryableFunc, isRetryable IsRetryableFunc) error {
	cfg := config
	if err := cfg.Normalize(); err != nil {
		return err
	}

	var lastErr error
	startTime := cfg.Now()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !isRetryable(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.applyJitter(cfg.calculateDelay(attempt))

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.After(delay):
		}
	}

	return &RetriesExceededError{
		LastError:     lastErr,
		Attempts:      cfg.MaxAttempts,
		TotalDuration: cfg.Now().Sub(startTime),
		Reason:        "max attempts exceeded",
	}
}

// Delay returns the un-jittered backoff that follows the given failed attempt.
// The result is InitialDelay * Multiplier^(attempt-1), clamped to [MinDelay, MaxDelay].
func (c Config) Delay(attempt int) time.Duration {
	return c.calculateDelay(attempt)
}

func (c Config) calculateDelay(attempt int) time.Duration {
	minDelay := c.MinDelay
	if minDelay <= 0 {
		minDelay = c.InitialDelay
	}

	delay := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
		if delay >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}

	return clamp(time.Duration(delay), minDelay, c.MaxDelay)
}

func (c Config) applyJitter(baseDelay time.Duration) time.Duration {
	if baseDelay <= 0 || c.Rand == nil {
		return baseDelay
	}

	switch c.JitterStrategy {
	case JitterEqual:
		jitter := time.Duration(c.Rand.Int63n(int64(baseDelay) + 1))
		return clamp(jitter, c.MinDelay, c.MaxDelay)

	case JitterDecorrelated:
		spread := baseDelay / 2
		if spread <= 0 {
			return baseDelay
		}
		jitter := baseDelay + time.Duration(c.Rand.Int63n(int64(spread)))
		return clamp(jitter, c.MinDelay, c.MaxDelay)

	default:
		return baseDelay
	}
}

func clamp(value, min, max time.Duration) time.Duration {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
