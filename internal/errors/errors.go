// Package errors provides the coded error taxonomy used by the importer,
// the reference resolver, the flattener and meta generation.
//
// Every failure the reconciler can raise is fatal to the call that raised it:
// nothing here is retried or swallowed. Callers branch on the code:
//
//	if errors.Is(err, errors.ErrCodeUnresolvedReference) {
//	    // the document points at a node that does not exist
//	}
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

const (
	// ErrCodeUnrecognizedChangeKey: a change record's top-level key is not a document field.
	ErrCodeUnrecognizedChangeKey Code = "UNRECOGNIZED_CHANGE_KEY"
	// ErrCodeUnknownReferenceTag: a reference string carries an unknown @tag prefix.
	ErrCodeUnknownReferenceTag Code = "UNKNOWN_REFERENCE_TAG"
	// ErrCodeComplexAttribute: a change addresses a nesting depth the importer does not support.
	ErrCodeComplexAttribute Code = "COMPLEX_ATTRIBUTE_UNSUPPORTED"
	// ErrCodeMissingMetaSheet: a category names a meta sheet the project does not have.
	ErrCodeMissingMetaSheet Code = "MISSING_META_SHEET"
	// ErrCodeUnresolvedReference: a reference matched nothing and cannot be created.
	ErrCodeUnresolvedReference Code = "UNRESOLVED_REFERENCE"
	// ErrCodeCircularReference: new children reference each other as bases.
	ErrCodeCircularReference Code = "CIRCULAR_REFERENCE_UNSUPPORTED"
	// ErrCodeInvalidDocument: a canonical document violates one of its invariants.
	ErrCodeInvalidDocument Code = "INVALID_DOCUMENT"
	// ErrCodeInvalidModel: a model description cannot be flattened.
	ErrCodeInvalidModel Code = "INVALID_MODEL"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
