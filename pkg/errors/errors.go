// Package errors provides structured error handling for the ingestion engine.
//
// Every error produced by a connector carries an ErrorType that determines
// how the engine reacts to it: transient categories are retried with backoff
// inside the connector's runner, fatal categories move the connector to the
// Failed state without affecting its peers.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal invariant failures
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeTimeout represents timeouts; retryable
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents network/connection errors; retryable
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeRateLimit represents source rate limiting; retryable
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeSourceUnavailable represents auth failures or a deleted source.
	// Surfaced as a connector failure once the retry budget is exhausted.
	ErrorTypeSourceUnavailable ErrorType = "source_unavailable"
	// ErrorTypeSchemaIncompatible represents a source schema change the
	// configured mapping cannot represent; never retried
	ErrorTypeSchemaIncompatible ErrorType = "schema_incompatible"
	// ErrorTypeCheckpointInvalid represents a persisted checkpoint that is no
	// longer resolvable against the source, e.g. log retention expired.
	// Requires an operator-initiated re-snapshot.
	ErrorTypeCheckpointInvalid ErrorType = "checkpoint_invalid"
	// ErrorTypeCheckpointRegression represents an attempt to save a checkpoint
	// earlier than the last saved one
	ErrorTypeCheckpointRegression ErrorType = "checkpoint_regression"
	// ErrorTypeData represents malformed source data
	ErrorTypeData ErrorType = "data"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// Preserve the original stack when rewrapping
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Wrapf wraps an existing error with formatted context
func Wrapf(err error, errType ErrorType, format string, args ...interface{}) *Error {
	return Wrap(err, errType, fmt.Sprintf(format, args...))
}

// TypeOf returns the error type, or ErrorTypeInternal for untyped errors
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// IsRetryable returns true if the error is transient and worth retrying
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error must not be retried and ends the
// connector's run
func IsFatal(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeSchemaIncompatible, ErrorTypeCheckpointInvalid, ErrorTypeConfig:
		return true
	default:
		return false
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
