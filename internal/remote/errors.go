package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	// ErrUnavailable means the server gave no usable answer. Callers must
	// treat it as "no information", never as "free tier".
	ErrUnavailable = errors.New("entitlement source unavailable")

	// ErrNotYetFulfilled means the checkout session has not been paid yet.
	ErrNotYetFulfilled = errors.New("checkout session not yet fulfilled")

	// ErrUnauthorized means the session token was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeTransport ErrorType = "transport"
	ErrorTypeStatus    ErrorType = "status"
	ErrorTypeDecode    ErrorType = "decode"
	ErrorTypeAuth      ErrorType = "auth"
)

// RemoteError is a structured error for calls to the entitlement API.
type RemoteError struct {
	Type       ErrorType
	Op         string // "fetch_snapshot", "sync_session", "record_usage"
	StatusCode int
	Err        error
	Timestamp  time.Time
	Retryable  bool
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Is lets every RemoteError match ErrUnavailable, and auth failures match
// ErrUnauthorized.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return true
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	}
	return false
}

func newRemoteError(op string, errType ErrorType, statusCode int, err error) *RemoteError {
	return &RemoteError{
		Type:       errType,
		Op:         op,
		StatusCode: statusCode,
		Err:        err,
		Timestamp:  time.Now(),
		Retryable:  isRetryable(errType, statusCode),
	}
}

func isRetryable(errType ErrorType, statusCode int) bool {
	switch errType {
	case ErrorTypeTransport:
		return true
	case ErrorTypeStatus:
		return statusCode == http.StatusTooManyRequests || statusCode >= 500
	default:
		return false
	}
}

// IsRetryable reports whether err is worth retrying on the next tick.
func IsRetryable(err error) bool {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable
	}
	return false
}
