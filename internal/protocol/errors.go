package protocol

import (
	"errors"
	"fmt"
)

// Code identifies a protocol-level failure class. Codes travel across the
// worker boundary inside Result messages and are re-hydrated into
// *WorkerError on the dispatcher side.
type Code string

const (
	CodeOverloaded       Code = "WORKER_OVERLOADED"
	CodeTimeout          Code = "WORKER_TIMEOUT"
	CodeVersionMismatch  Code = "WORKER_VERSION_MISMATCH"
	CodeDBNotAvailable   Code = "WORKER_DB_NOT_AVAILABLE"
	CodeResponseTooLarge Code = "WORKER_RESPONSE_TOO_LARGE"
)

// WorkerError is a failure that crossed the execution protocol. Name and
// Stack carry the serialized handler error when one was thrown; Code is set
// for the protocol failure classes above and empty for plain handler errors.
type WorkerError struct {
	Name    string
	Message string
	Stack   string
	Code    Code
}

func (e *WorkerError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// NewCodedError builds a WorkerError for a protocol failure class.
func NewCodedError(code Code, format string, args ...any) *WorkerError {
	return &WorkerError{Message: fmt.Sprintf(format, args...), Code: code}
}

// CodeOf extracts the protocol code from err, or "" when err is nil or does
// not wrap a WorkerError.
func CodeOf(err error) Code {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// ErrorPayload is the wire form of a serialized error.
type ErrorPayload struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    Code   `json:"code,omitempty"`
}

// AsError re-hydrates the payload into a typed error.
func (p *ErrorPayload) AsError() *WorkerError {
	return &WorkerError{Name: p.Name, Message: p.Message, Stack: p.Stack, Code: p.Code}
}

// PayloadFromError serializes err for the wire. Coded errors keep their code;
// anything else becomes a plain message.
func PayloadFromError(err error) *ErrorPayload {
	var we *WorkerError
	if errors.As(err, &we) {
		return &ErrorPayload{Name: we.Name, Message: we.Message, Stack: we.Stack, Code: we.Code}
	}
	return &ErrorPayload{Message: err.Error()}
}
