package coordinator

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/dashboard-cache/pkg/client"
)

// FailureClass categorizes a failed resource load.
type FailureClass string

const (
	// FailureClient is a 4xx rejection. No fallback is attempted.
	FailureClient FailureClass = "client"

	// FailureTransport is an unreachable backend or a 5xx answer. When a
	// fallback was served it is reported as a soft failure.
	FailureTransport FailureClass = "transport"

	// FailureFallbackExhausted means both the live fetch and the fallback failed.
	FailureFallbackExhausted FailureClass = "fallback_exhausted"
)

// Failure is the structured error surfaced to bindings. Cancellation never
// produces a Failure.
type Failure struct {
	// Message is a human-readable description
	Message string `json:"message"`

	// StatusCode is the backend HTTP status, or 0 when none was received
	StatusCode int `json:"status_code,omitempty"`

	Class FailureClass `json:"class"`

	// Cause is the original transport error
	Cause error `json:"-"`
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s failure (status %d): %s", f.Class, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s failure: %s", f.Class, f.Message)
}

// Unwrap returns the original cause.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsCancelled reports whether err is a caller cancellation rather than a failure.
func IsCancelled(err error) bool {
	return err != nil && client.IsCancelled(err)
}

// newFailure builds a Failure of class from a transport error.
func newFailure(class FailureClass, cause error) *Failure {
	return &Failure{
		Message:    failureMessage(cause),
		StatusCode: client.StatusCode(cause),
		Class:      class,
		Cause:      cause,
	}
}

// toFailure converts any non-cancellation error into a Failure.
func toFailure(err error) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	if client.IsClientError(err) {
		return newFailure(FailureClient, err)
	}
	return newFailure(FailureTransport, err)
}

func failureMessage(err error) string {
	var reqErr *client.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.ErrorClass == client.ErrorClassNetwork {
			return "backend unreachable"
		}
		if reqErr.Message != "" {
			return reqErr.Message
		}
	}
	if err == nil {
		return "unknown failure"
	}
	return err.Error()
}
