// Package errors provides the remote-apply failure taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// SyncError classifies a remote-apply failure as retryable or terminal.
// NetworkError, TimeoutError, ServerError, RateLimited and UnknownError are
// retryable; ValidationError is terminal. Conflicts are not failures and
// are represented by ConflictError instead.
type SyncError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	// RetryAfter overrides the backoff table when set (rate limiter reset).
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a retryable network failure.
func NewNetworkError(err error) *SyncError {
	return &SyncError{Code: ErrNetwork, Message: "network unreachable", Retryable: true, Err: err}
}

// NewTimeoutError creates a retryable timeout failure.
func NewTimeoutError(err error) *SyncError {
	return &SyncError{Code: ErrTimeout, Message: "remote call timed out", Retryable: true, Err: err}
}

// NewServerError creates a retryable server-side (5xx) failure.
func NewServerError(status int, err error) *SyncError {
	return &SyncError{
		Code:      ErrServer,
		Message:   fmt.Sprintf("server error (status %d)", status),
		Retryable: true,
		Err:       err,
	}
}

// NewRateLimitedError creates a retryable failure whose retry delay is the
// limiter's reset time rather than the backoff table.
func NewRateLimitedError(resetAfter time.Duration) *SyncError {
	return &SyncError{
		Code:       ErrRateLimited,
		Message:    "rate limited by remote endpoint",
		Retryable:  true,
		RetryAfter: resetAfter,
	}
}

// NewValidationError creates a terminal (4xx non-conflict) failure.
func NewValidationError(message string, err error) *SyncError {
	return &SyncError{Code: ErrValidation, Message: message, Retryable: false, Err: err}
}

// NewUnknownError wraps an unclassified failure. Unknown defaults to
// retryable, capped by the mutation's retry budget.
func NewUnknownError(err error) *SyncError {
	return &SyncError{Code: ErrUnknown, Message: "unclassified sync failure", Retryable: true, Err: err}
}

// NewQuotaError reports local persistent-store exhaustion. The mutation
// stays Pending; nothing is lost.
func NewQuotaError(err error) *SyncError {
	return &SyncError{Code: ErrQuota, Message: "persistent store quota exceeded", Retryable: false, Err: err}
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Unclassified errors default to retryable per the propagation policy.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if stderrors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return err != nil
}

// RetryAfter extracts an explicit retry delay, or zero when the backoff
// table should be used.
func RetryAfter(err error) time.Duration {
	var syncErr *SyncError
	if stderrors.As(err, &syncErr) {
		return syncErr.RetryAfter
	}
	return 0
}
