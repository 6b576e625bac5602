// Package errors provides structured error handling for driftsync with
// error categorization, stack traces, and retryability detection.
//
// # Overview
//
// The errors package extends Go's standard error handling with:
//   - Error categorization through ErrorType
//   - Structured context with key-value details
//   - Automatic stack trace capture
//   - Error wrapping with cause preservation
//   - Retryability detection for the retry controller
//
// # Error Types
//
// The taxonomy follows the sync engine's failure modes. Transient
// connector faults (ErrorTypeConnectorUnavailable, ErrorTypeRateLimit,
// ErrorTypeTimeout) are retryable; structural and per-record faults
// (ErrorTypeSchemaMismatch, ErrorTypeValidation) are not and route to
// the dead-letter sink. Cycle-level outcomes (ErrorTypeCheckpoint,
// ErrorTypeCycleCancelled, ErrorTypeCycleTimeout) mark a run partial.
//
// # Basic Usage
//
//	// Create a new error
//	err := errors.New(errors.ErrorTypeValidation, "missing identity key")
//
//	// Wrap a driver error
//	if err := pool.Ping(ctx); err != nil {
//	    return errors.Wrap(err, errors.ErrorTypeConnectorUnavailable, "postgres ping failed").
//	        WithDetail("host", cfg.Host)
//	}
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConnectorUnavailable represents transient connector I/O failures
	ErrorTypeConnectorUnavailable ErrorType = "connector_unavailable"
	// ErrorTypeRateLimit represents rate limit rejections from a backend
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTimeout represents single-operation I/O timeouts
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeSchemaMismatch represents structural incompatibility between systems
	ErrorTypeSchemaMismatch ErrorType = "schema_mismatch"
	// ErrorTypeValidation represents per-record validation failures
	ErrorTypeValidation ErrorType = "validation_failed"
	// ErrorTypeAuthentication represents authentication/authorization failures
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeConflictUnresolved represents a conflict deferred under the manual strategy
	ErrorTypeConflictUnresolved ErrorType = "conflict_unresolved"
	// ErrorTypeCheckpoint represents checkpoint persistence failures
	ErrorTypeCheckpoint ErrorType = "checkpoint_persistence_failed"
	// ErrorTypeCycleCancelled represents a sync cycle stopped by cancellation
	ErrorTypeCycleCancelled ErrorType = "cycle_cancelled"
	// ErrorTypeCycleTimeout represents a sync cycle exceeding its deadline
	ErrorTypeCycleTimeout ErrorType = "cycle_timeout"
)

// Error carries an ErrorType alongside the message, an optional cause,
// free-form details, and the stack at the point of creation.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is one resolved frame of a captured call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error returns type-prefixed text, appending the cause when present.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value pair and returns the error for
// chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a typed error and captures the caller's stack.
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message, Stack: captureStack(2)}
}

// Newf is New with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap annotates err with a type and message. A nil err yields nil.
// When err is already a typed error the original capture point is kept,
// so the deepest stack survives repeated wrapping.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	wrapped := &Error{Type: errType, Message: message, Cause: err}
	var inner *Error
	if errors.As(err, &inner) {
		wrapped.Stack = inner.Stack
	} else {
		wrapped.Stack = captureStack(2)
	}
	return wrapped
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, errType ErrorType, format string, args ...interface{}) *Error {
	return Wrap(err, errType, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the failure is transient. Only typed
// connector I/O faults qualify; foreign errors are treated as
// permanent.
func IsRetryable(err error) bool {
	switch GetType(err) {
	case ErrorTypeConnectorUnavailable, ErrorTypeRateLimit, ErrorTypeTimeout:
		return true
	}
	return false
}

// IsType reports whether err carries the given type anywhere in its
// chain.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errType
}

// GetType returns the error's type, or ErrorTypeInternal for foreign
// errors.
func GetType(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// IsNotFound reports whether the error marks a missing resource.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32

	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return nil
	}

	out := make([]StackFrame, 0, n)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		out = append(out, StackFrame{Function: fr.Function, File: fr.File, Line: fr.Line})
		if !more {
			break
		}
	}
	return out
}
