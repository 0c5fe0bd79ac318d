package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the transport.
var (
	// ErrRetryExhausted is returned when every attempt failed.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the request context ends while
	// waiting for the next attempt.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass is a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses other than the unavailable ones.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassUnavailable represents 502, 503 and 504 responses.
	ErrorClassUnavailable ErrorClass = "unavailable"

	// ErrorClassNetwork represents transport errors and timeouts.
	ErrorClassNetwork ErrorClass = "network"
)

// Classify returns the class of an upstream status code, or "" for
// successful responses.
func Classify(status int) ErrorClass {
	switch {
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ErrorClassUnavailable
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// UpstreamError describes a failed upstream attempt.
type UpstreamError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// shouldRetry reports whether a failure of this class may succeed on
// another attempt.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassUnavailable, ErrorClassNetwork:
		return true
	default:
		// 4xx and plain 500 are deterministic
		return false
	}
}
