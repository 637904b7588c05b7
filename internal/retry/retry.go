// Package retry provides bounded exponential backoff and a per-operation
// circuit breaker for calls to unreliable external services.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// HTTPError conveys an upstream HTTP status for classification.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as terminal so Do gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable, overriding the default classification.
// Used for failures where a retry draws on fresh state, such as an
// authentication rejection after the credential pool has rotated.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Retryable classifies an error as transient. Network failures, timeouts,
// rate limiting, and 5xx responses are retryable; 4xx client errors, errors
// marked Permanent, and context cancellation are terminal. Errors marked
// Transient are retryable regardless of the rules above.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var trans *transientError
	if errors.As(err, &trans) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return true
		case httpErr.StatusCode >= 500:
			return true
		case httpErr.StatusCode >= 400:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// Do invokes op, retrying retryable failures with exponential backoff
// (baseDelay doubling per attempt). It returns the last error once attempts
// are exhausted or a terminal error is seen.
func Do(ctx context.Context, op func(ctx context.Context) error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt == maxAttempts || !Retryable(err) {
			return err
		}
		delay := baseDelay << (attempt - 1)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry wait: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}
