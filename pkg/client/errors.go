package client

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidBody is returned when a 2xx response does not carry valid JSON.
	ErrInvalidBody = errors.New("response body is not valid JSON")
)

// RequestError represents a failed backend request with its classification.
type RequestError struct {
	Endpoint   string
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s error (status %d) on %s: %s: %v",
			e.ErrorClass, e.StatusCode, e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("backend %s error (status %d) on %s: %s",
		e.ErrorClass, e.StatusCode, e.Endpoint, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// ClassOf returns the classification of err.
// Context cancellation is always ErrorClassCancelled; unknown errors are
// treated as network failures.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.ErrorClass
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassCancelled
	}
	return ErrorClassNetwork
}

// StatusCode returns the HTTP status attached to err, or 0.
func StatusCode(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}

// IsCancelled reports whether err is a cancellation of the caller's own request.
func IsCancelled(err error) bool {
	return ClassOf(err) == ErrorClassCancelled
}

// IsClientError reports whether err is a 4xx rejection.
func IsClientError(err error) bool {
	return ClassOf(err) == ErrorClassClient
}

// IsTransportError reports whether err is a server or network failure,
// which makes the request eligible for fallback.
func IsTransportError(err error) bool {
	switch ClassOf(err) {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx means the request itself is wrong
		return false
	case ErrorClassServer:
		return true
	case ErrorClassNetwork:
		return true
	case ErrorClassCancelled:
		return false
	default:
		return false
	}
}
