package remote

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuthExpired is returned when the platform rejects the session credentials.
// It is fatal for the current job and must never be retried.
var ErrAuthExpired = errors.New("remote: authorization expired")

// RateLimitedError carries a platform-mandated wait period.
type RateLimitedError struct {
	Wait   time.Duration
	Method string
}

func (e *RateLimitedError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("remote: rate limited on %s, wait %s", e.Method, e.Wait)
	}
	return fmt.Sprintf("remote: rate limited, wait %s", e.Wait)
}

// WaitSeconds returns the mandated wait rounded up to whole seconds.
func (e *RateLimitedError) WaitSeconds() int {
	return int((e.Wait + time.Second - 1) / time.Second)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a temporary failure worth retrying.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// AsRateLimited extracts a RateLimitedError from err's chain.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsAuth reports whether err is an authorization failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// Retryable is the retry predicate for remote calls: only transient failures
// are retried. Rate limits and auth failures always surface to the caller.
func Retryable(err error) bool {
	if IsAuth(err) {
		return false
	}
	if _, ok := AsRateLimited(err); ok {
		return false
	}
	return IsTransient(err)
}
