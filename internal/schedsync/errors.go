package schedsync

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrChannelRejected = errors.New("channel registration rejected")
	ErrJobTimeout      = errors.New("job budget exceeded")
)

// AdapterError wraps a failure from the remote calendar or local store
// boundary. Permanent errors (not-found, permission) are surfaced without
// retry; transient errors (network, timeout, rate limit) are retried with
// bounded backoff.
type AdapterError struct {
	Op         string
	Permanent  bool
	RetryAfter time.Duration
	Err        error
}

func (e *AdapterError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s: %s adapter error: %v", e.Op, kind, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error is worth retrying.
func (e *AdapterError) Transient() bool {
	return !e.Permanent
}

// NewTransientError wraps err as a retryable adapter failure.
func NewTransientError(op string, err error) *AdapterError {
	return &AdapterError{Op: op, Err: err}
}

// NewPermanentError wraps err as a non-retryable adapter failure.
func NewPermanentError(op string, err error) *AdapterError {
	return &AdapterError{Op: op, Permanent: true, Err: err}
}

// IsTransient reports whether err is a retryable adapter error. Errors that
// are not AdapterErrors are treated as permanent so unknown failures are
// never retried blindly.
func IsTransient(err error) bool {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Transient()
	}
	return false
}

// RetryAfterHint returns the provider-supplied retry delay, if any.
func RetryAfterHint(err error) time.Duration {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.RetryAfter
	}
	return 0
}
