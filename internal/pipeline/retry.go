package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/quantorhq/quantor/pkg/schema"
)

// isRetryableError classifies whether a step retry policy may re-attempt a
// failed execution. Validation failures, unknown commands and cancellations
// never retry; timeouts and handler failures do.
func isRetryableError(err *schema.QuantorError) bool {
	if err == nil {
		return false
	}
	if err.Cause != nil && errors.Is(err.Cause, context.Canceled) {
		return false
	}
	return err.IsRetryable()
}

// computeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with an optional
// maxDelay cap.
func computeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default: // "none" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// waitForBackoff sleeps for the computed delay or returns early on context
// cancellation.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
