// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types shared by the connection engine packages.

package api

import "fmt"

// Common errors used across the engine.
var (
	ErrConnClosed        = fmt.Errorf("connection is closed")
	ErrNotConnected      = fmt.Errorf("connection is not connected")
	ErrQueueClosed       = fmt.Errorf("task queue is closed")
	ErrReactorClosed     = fmt.Errorf("reactor is closed")
	ErrAlreadyRunning    = fmt.Errorf("another server instance is already running")
	ErrAdmissionRejected = fmt.Errorf("session limit reached")
	ErrInvalidArgument   = fmt.Errorf("invalid argument")
	ErrNotSupported      = fmt.Errorf("operation not supported")
	ErrAlreadyExists     = fmt.Errorf("resource already exists")
)

// ErrorCode classifies how a low-level failure is handled by the engine.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	// ErrCodeSetup aborts the affected startup path.
	ErrCodeSetup
	// ErrCodeTransient is retried or deferred to the next readiness event.
	ErrCodeTransient
	// ErrCodeConnection closes the affected connection only.
	ErrCodeConnection
	// ErrCodeRejected is a deliberate admission-control refusal.
	ErrCodeRejected
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeSetup:
		return "setup"
	case ErrCodeTransient:
		return "transient"
	case ErrCodeConnection:
		return "connection"
	case ErrCodeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Err:     cause,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
