package dispatch

import (
	"fmt"
	"net/http"
)

type Code string

const (
	CodeNoBackendAvailable Code = "NO_BACKEND_AVAILABLE"
	CodeTransport          Code = "TRANSPORT_ERROR"
	CodeInvalidOperation   Code = "INVALID_OPERATION"
)

// Error is the normalized failure of a data operation. errors.Is matches on
// Code, so callers compare against the Err* values below.
type Error struct {
	Code      Code
	Message   string
	Status    int
	Retryable bool
	Err       error
}

var (
	ErrNoBackendAvailable = &Error{Code: CodeNoBackendAvailable, Message: "no backend available"}
	ErrTransport          = &Error{Code: CodeTransport, Message: "transport error"}
	ErrInvalidOperation   = &Error{Code: CodeInvalidOperation, Message: "invalid operation"}
)

func (e *Error) Error() string {
	msg := string(e.Code) + ": " + e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func noBackend(reason string) *Error {
	msg := "not connected to any backend"
	if reason != "" {
		msg += ": " + reason
	}
	return &Error{Code: CodeNoBackendAvailable, Message: msg}
}

func invalidOperation(name string) *Error {
	return &Error{Code: CodeInvalidOperation, Message: fmt.Sprintf("unknown operation %q", name)}
}

func networkError(err error) *Error {
	return &Error{Code: CodeTransport, Message: "request failed", Retryable: true, Err: err}
}

func statusError(status int, message string) *Error {
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{Code: CodeTransport, Message: message, Status: status, Retryable: retryableStatus(status)}
}

func malformedResponse(status int, err error) *Error {
	return &Error{Code: CodeTransport, Message: "malformed JSON response", Status: status, Err: err}
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}
