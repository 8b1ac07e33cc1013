package cloud

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is wrapped by APIError for HTTP 401 responses.
	ErrAuthentication = errors.New("authentication failed")

	// ErrInvalidRequest is wrapped by APIError for every other failure.
	ErrInvalidRequest = errors.New("invalid request")
)

// APIError is a failed hosted API call. Message is the server's "message"
// field when it sent one, else the raw body.
type APIError struct {
	StatusCode int
	Message    string
	kind       error
}

func newAPIError(status int, message string) *APIError {
	kind := ErrInvalidRequest
	if status == 401 {
		kind = ErrAuthentication
	}
	return &APIError{StatusCode: status, Message: message, kind: kind}
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("videodb api: %s: %s", e.kind, e.Message)
	}
	return fmt.Sprintf("videodb api: %s: HTTP %d: %s", e.kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }
