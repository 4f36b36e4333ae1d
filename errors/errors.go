package errors

import (
	"errors"
	"fmt"
)

// Error represents a pipeline failure with the stage operation that produced
// it. It wraps the underlying error with a Code so the caller can decide
// whether the run aborts without inspecting error strings.
type Error struct {
	// Code classifies the failure.
	Code Code

	// Op is the operation that failed (e.g., "build", "register", "scan").
	Op string

	// Err is the underlying error from a collaborator or other source.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the given code, operation and underlying error.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf creates a new Error with a formatted message as its underlying error.
func Newf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the pipeline code from err. Errors that do not carry a
// *Error anywhere in their chain report CodeUnknown.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeUnknown
}

// IsFatal reports whether err must abort the run. nil is never fatal;
// unclassified errors always are.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return CodeOf(err).Fatal()
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
