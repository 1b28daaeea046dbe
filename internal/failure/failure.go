// Package failure defines the error categories surfaced to API clients.
package failure

import (
	"errors"
	"fmt"
)

// Category is the machine-checkable class of a failed operation.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuth           Category = "auth"
	CategoryMisconfigured  Category = "misconfigured"
	CategoryNotFound       Category = "not_found"
	CategoryConflict       Category = "conflict"
	CategoryPartialFailure Category = "partial_failure"
	CategoryStore          Category = "store"
)

// ValidationError reports malformed, missing or oversized client input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid constructs a ValidationError for the named field.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PartialFailureError reports a multi-step operation that failed after an
// earlier step already changed remote state.
type PartialFailureError struct {
	Operation   string
	ObjectPath  string
	Compensated bool
	Cause       error
}

func (e *PartialFailureError) Error() string {
	state := "object left in place"
	if e.Compensated {
		state = "object removed"
	}
	return fmt.Sprintf("%s partially applied (%s, %s): %v", e.Operation, e.ObjectPath, state, e.Cause)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}

// UnconfirmedWriteError reports a write whose outcome is unknown: the
// store may or may not have committed it.
type UnconfirmedWriteError struct {
	Path string
	Err  error
}

func (e *UnconfirmedWriteError) Error() string {
	return fmt.Sprintf("write %s unconfirmed: %v", e.Path, e.Err)
}

func (e *UnconfirmedWriteError) Unwrap() error {
	return e.Err
}

// Unconfirmed reports whether err carries an UnconfirmedWriteError.
func Unconfirmed(err error) bool {
	var unconfirmed *UnconfirmedWriteError
	return errors.As(err, &unconfirmed)
}

// Classify resolves the category carried by the error types of this
// package. Partial failures win over the category of their cause so
// operators can tell them apart.
func Classify(err error) (Category, bool) {
	var partial *PartialFailureError
	if errors.As(err, &partial) {
		return CategoryPartialFailure, true
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return CategoryValidation, true
	}
	return "", false
}
