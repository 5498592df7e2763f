package albion

import (
	"errors"
	"fmt"
)

// ErrorClass partitions upstream failures for retry policy decisions.
type ErrorClass string

const (
	ClassNetwork     ErrorClass = "network"      // transport failure, retriable
	ClassRateLimited ErrorClass = "rate_limited" // 429-equivalent, retriable with backoff
	ClassUpstream    ErrorClass = "upstream_5xx" // server-side failure, retriable
	ClassDecode      ErrorClass = "decode"       // malformed response, not retriable
	ClassNotFound    ErrorClass = "not_found"    // 404, not retriable
)

// APIError is the typed failure returned by all client operations.
type APIError struct {
	Class      ErrorClass
	StatusCode int
	Endpoint   string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("albion: %s %s (status %d): %v", e.Class, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("albion: %s %s (status %d)", e.Class, e.Endpoint, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retriable reports whether the failure class is worth another attempt.
func (e *APIError) Retriable() bool {
	switch e.Class {
	case ClassNetwork, ClassRateLimited, ClassUpstream:
		return true
	default:
		return false
	}
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == ClassNotFound
}

// IsRateLimited reports whether err is an upstream 429-equivalent.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Class == ClassRateLimited
}
