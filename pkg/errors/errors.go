package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies signaling errors. Codes are part of the wire
// protocol: they are sent back to clients inside error-tagged replies.
type ErrorCode string

const (
	ErrCodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeNotConsumable     ErrorCode = "NOT_CONSUMABLE"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	ErrCodeNotRecording      ErrorCode = "NOT_RECORDING"
	ErrCodeEngineFatal       ErrorCode = "ENGINE_FATAL"
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// SignalError is an error with a protocol-visible code. The signaling
// handler converts any SignalError into an error reply; anything else is
// wrapped as INTERNAL_ERROR before leaving the process.
type SignalError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *SignalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SignalError) Unwrap() error {
	return e.Cause
}

// New creates a SignalError with the given code.
func New(code ErrorCode, message string) *SignalError {
	return &SignalError{Code: code, Message: message}
}

// Wrap attaches a code to an existing error.
func Wrap(err error, code ErrorCode, message string) *SignalError {
	return &SignalError{Code: code, Message: message, Cause: err}
}

func NewProtocolViolation(message string) *SignalError {
	return New(ErrCodeProtocolViolation, message)
}

func NewNotFound(resource string) *SignalError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewNotConsumable(producerID string) *SignalError {
	return New(ErrCodeNotConsumable, fmt.Sprintf("producer %s is not consumable with the given capabilities", producerID))
}

func NewResourceExhausted(message string) *SignalError {
	return New(ErrCodeResourceExhausted, message)
}

func NewNotRecording(connID string) *SignalError {
	return New(ErrCodeNotRecording, fmt.Sprintf("connection %s is not recording", connID))
}

func NewInternal(message string) *SignalError {
	return New(ErrCodeInternal, message)
}

// CodeOf extracts the protocol code from an error chain, defaulting to
// INTERNAL_ERROR for plain errors.
func CodeOf(err error) ErrorCode {
	var sigErr *SignalError
	if errors.As(err, &sigErr) {
		return sigErr.Code
	}
	return ErrCodeInternal
}

// MessageOf returns the client-facing message for an error chain. Plain
// errors are not leaked verbatim to clients.
func MessageOf(err error) string {
	var sigErr *SignalError
	if errors.As(err, &sigErr) {
		return sigErr.Message
	}
	return "internal error"
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
