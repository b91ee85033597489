// Package archiveerrors provides the structured error type shared by the
// archive writer and its collaborators.
//
// # Overview
//
// Every error carries an ErrorType that tells the caller what kind of failure
// happened and whether anything can be done about it:
//   - ErrorTypeContract: an upstream logic error such as a message whose length
//     does not match the schema writer's column count. Fatal to the operation.
//   - ErrorTypeFile, ErrorTypeCompression: resource failures while storing a
//     segment or dictionary. The caller may re-run the whole close.
//   - ErrorTypeConfig, ErrorTypeValidation: bad options or input.
//
// The point of creation is captured as a stack so contract failures can be
// reported with their source location.
//
// # Basic Usage
//
//	if msg.Len() != len(w.columns) {
//	    return archiveerrors.New(archiveerrors.ErrorTypeContract, "message length does not match column count").
//	        WithDetail("message_len", msg.Len()).
//	        WithDetail("columns", len(w.columns))
//	}
//
//	if err := f.Sync(); err != nil {
//	    return archiveerrors.Wrap(err, archiveerrors.ErrorTypeFile, "failed to sync segment").
//	        WithDetail("path", path)
//	}
package archiveerrors

import (
	"errors"
	"runtime"

	stringpool "github.com/gibber9809/clp-structured/pkg/strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeContract represents a violated caller contract (fatal, never retried)
	ErrorTypeContract ErrorType = "contract"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeData represents malformed input data
	ErrorTypeData ErrorType = "data"
	// ErrorTypeFile represents file operation errors
	ErrorTypeFile ErrorType = "file"
	// ErrorTypeCompression represents compressor failures
	ErrorTypeCompression ErrorType = "compression"
)

// Error represents a structured error with context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return stringpool.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return stringpool.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error. Calls can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Location returns the innermost captured frame, i.e. where the error was raised.
func (e *Error) Location() (StackFrame, bool) {
	if len(e.Stack) == 0 {
		return StackFrame{}, false
	}
	return e.Stack[0], true
}

// New creates a new error with the given type and message, capturing the
// call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context. If err is already a
// structured Error its stack is preserved. Returns nil if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType checks if any error in the chain is of the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsFatal reports whether err signals a contract violation. Retrying such an
// operation is never meaningful.
func IsFatal(err error) bool {
	return IsType(err, ErrorTypeContract)
}

// captureStack records up to 32 frames, skipping the given number of callers.
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
