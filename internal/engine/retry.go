package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/taskmill/taskmill/pkg/schema"
)

// IsRetryableError classifies whether a step failure should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, unknown tools, typed TaskErrors with
// permanent codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step deadline exceeded is retryable (per-step timeout, not task-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled is NOT retryable; the task is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// TaskError checks its own code.
	var taskErr *schema.TaskError
	if errors.As(err, &taskErr) {
		return taskErr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative; the retry bound limits attempts).
	return true
}

const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// ComputeBackoff calculates the delay before re-offering a retried step.
// Exponential from the given base, capped. A non-positive base falls back
// to the default.
func ComputeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = retryBaseDelay
	}
	if attempt <= 0 {
		return base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled. Returns the context error on early return.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
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
