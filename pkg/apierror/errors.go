// Package apierror defines the structured JSON error bodies the gateway
// returns to callers.
package apierror

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Code is the stable machine-readable error identifier.
type Code string

const (
	CodeRateLimited Code = "RateLimited"
	CodeInternal    Code = "InternalServerError"
	CodeNotFound    Code = "NotFound"
	CodeBadGateway  Code = "BadGateway"
)

// Error is the body of every gateway-generated error response.
type Error struct {
	Status            int    `json:"-"`
	Code              Code   `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Path              string `json:"path,omitempty"`
	RequestID         string `json:"request_id,omitempty"`
	Err               error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (status %d): %s: %v", e.Code, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// RateLimited builds the 429 rejection. retryAfter is rounded up to whole
// seconds and never below one.
func RateLimited(retryAfter time.Duration) *Error {
	secs := RetryAfterSeconds(retryAfter)
	return &Error{
		Status:            http.StatusTooManyRequests,
		Code:              CodeRateLimited,
		Message:           fmt.Sprintf("Rate limit exceeded. Retry in %d seconds.", secs),
		RetryAfterSeconds: secs,
	}
}

// Internal builds the generic 500 body. err is kept for logging only.
func Internal(err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternal,
		Message: "An unexpected error occurred",
		Err:     err,
	}
}

// NotFound builds the 404 body for path.
func NotFound(path string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: "The requested resource was not found",
		Path:    path,
	}
}

// BadGateway builds the 502 body returned when the upstream fails.
func BadGateway(err error) *Error {
	return &Error{
		Status:  http.StatusBadGateway,
		Code:    CodeBadGateway,
		Message: "The upstream service is unavailable",
		Err:     err,
	}
}

// RetryAfterSeconds converts d to the Retry-After value: whole seconds,
// rounded up, at least 1.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Write sends e as a JSON response. Retry-After is set for rate-limit
// rejections.
func Write(w http.ResponseWriter, e *Error) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	if e.RetryAfterSeconds > 0 {
		h.Set("Retry-After", strconv.Itoa(e.RetryAfterSeconds))
	}

	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}
