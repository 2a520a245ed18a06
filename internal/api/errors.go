// Package api provides the HTTP client the sync engine uses to talk to the
// remote user service, with error classification, app-level credentials, and
// the typed response shapes the engine hydrates models from.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, api.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("api: bad request")
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrForbidden    = errors.New("api: forbidden")
	ErrNotFound     = errors.New("api: not found")
	ErrConflict     = errors.New("api: conflict")
	ErrGone         = errors.New("api: resource gone")
	ErrThrottled    = errors.New("api: throttled")
	ErrServerError  = errors.New("api: server error")
	ErrInvalid      = errors.New("api: request rejected")

	// ErrMalformedResponse is returned by the Decode functions when a 2xx
	// body does not have the expected shape.
	ErrMalformedResponse = errors.New("api: malformed response")
)

// Error wraps a sentinel error with HTTP status code, request ID,
// and the API error message body for debugging.
type Error struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		if code >= http.StatusBadRequest {
			return ErrInvalid
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Class is the engine-level outcome category of a failed request. Executors
// switch on it to decide what happens to the queued request.
type Class int

// Error classes, in the order executors check them.
const (
	ClassRetryable    Class = iota // transient: leave queued
	ClassMissing                   // target gone: drop and reset local pointer
	ClassConflict                  // identity collision: reconcile
	ClassUnauthorized              // credential stale: hold until refreshed
	ClassInvalid                   // permanent client error: drop
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassMissing:
		return "missing"
	case ClassConflict:
		return "conflict"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps an error returned by Client.Execute to its Class. Anything
// that is not an *Error (transport failures, timeouts, cancellation) is
// retryable: the request never reached a decision on the server.
func Classify(err error) Class {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return ClassRetryable
	}

	switch {
	case isRetryable(apiErr.StatusCode), apiErr.StatusCode >= http.StatusInternalServerError:
		return ClassRetryable
	case errors.Is(apiErr, ErrNotFound), errors.Is(apiErr, ErrGone):
		return ClassMissing
	case errors.Is(apiErr, ErrConflict):
		return ClassConflict
	case errors.Is(apiErr, ErrUnauthorized), errors.Is(apiErr, ErrForbidden):
		return ClassUnauthorized
	default:
		return ClassInvalid
	}
}
