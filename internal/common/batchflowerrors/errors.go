// Package batchflowerrors contains the generic and validation errors shared across the scheduler,
// the recipe engine and the command message handlers.
//
// Validation errors (InvalidDefinition, InvalidData, ...) carry a machine-readable Name so that the
// boundary which accepted the malformed input can report it without string matching.
//
// If multiple errors occur in some function (e.g., several nodes of a definition are invalid), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package batchflowerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job" or "recipe"
	Value   string // Resource name or id
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "cpus"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrDatabaseClosed signals that the connection to the primary database is gone.
// The scheduler treats it as fatal and shuts down rather than attempting to recover.
type ErrDatabaseClosed struct {
	Cause error
}

func (err *ErrDatabaseClosed) Error() string {
	return fmt.Sprintf("database interface is closed: %v", err.Cause)
}

func (err *ErrDatabaseClosed) Unwrap() error {
	return err.Cause
}

// IsDatabaseClosed reports whether err has an ErrDatabaseClosed anywhere in its chain.
func IsDatabaseClosed(err error) bool {
	var e *ErrDatabaseClosed
	return errors.As(err, &e)
}

// IsNotFound reports whether err has an ErrNotFound anywhere in its chain.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// ValidationError is the shape shared by all of the named validation errors below.
type ValidationError struct {
	Kind        string
	Name        string
	Description string
}

func (err *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %s", err.Kind, err.Name, err.Description)
}

// Is matches any validation error of the same kind and name, so errors.Is(err, InvalidDefinition("CIRCULAR_DEPENDENCY", ""))
// works regardless of the description.
func (err *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Kind == err.Kind && (t.Name == "" || t.Name == err.Name)
}

const (
	KindInvalidDefinition     = "InvalidDefinition"
	KindInvalidData           = "InvalidData"
	KindInvalidDataFilter     = "InvalidDataFilter"
	KindInvalidInterface      = "InvalidInterface"
	KindInvalidForcedNodes    = "InvalidForcedNodes"
	KindInvalidCommandMessage = "InvalidCommandMessage"
	KindInvalidResources      = "InvalidResources"
)

func InvalidDefinition(name, format string, args ...interface{}) error {
	return newValidationError(KindInvalidDefinition, name, format, args...)
}

func InvalidData(name, format string, args ...interface{}) error {
	return newValidationError(KindInvalidData, name, format, args...)
}

func InvalidDataFilter(name, format string, args ...interface{}) error {
	return newValidationError(KindInvalidDataFilter, name, format, args...)
}

func InvalidInterface(name, format string, args ...interface{}) error {
	return newValidationError(KindInvalidInterface, name, format, args...)
}

func InvalidForcedNodes(name, format string, args ...interface{}) error {
	return newValidationError(KindInvalidForcedNodes, name, format, args...)
}

func InvalidCommandMessage(format string, args ...interface{}) error {
	return newValidationError(KindInvalidCommandMessage, "INVALID_MESSAGE", format, args...)
}

func InvalidResources(name, format string, args ...interface{}) error {
	return newValidationError(KindInvalidResources, name, format, args...)
}

func newValidationError(kind, name, format string, args ...interface{}) error {
	return errors.WithStack(&ValidationError{Kind: kind, Name: name, Description: fmt.Sprintf(format, args...)})
}

// ValidationErrorName returns the Name of the first validation error of the given kind in the chain, or "".
func ValidationErrorName(err error, kind string) string {
	var e *ValidationError
	if errors.As(err, &e) && e.Kind == kind {
		return e.Name
	}
	return ""
}

// IsKind reports whether err has a validation error of the given kind in its chain.
func IsKind(err error, kind string) bool {
	return errors.Is(err, &ValidationError{Kind: kind})
}

// CommandMessageExecuteFailure wraps an error returned from executing a command message.
// The message stays on its queue so the backend redelivers it.
type CommandMessageExecuteFailure struct {
	MessageType string
	Cause       error
}

func (err *CommandMessageExecuteFailure) Error() string {
	return fmt.Sprintf("failed to execute %s message: %v", err.MessageType, err.Cause)
}

func (err *CommandMessageExecuteFailure) Unwrap() error {
	return err.Cause
}

// Warning is a non-fatal validation finding.
type Warning struct {
	Name        string
	Description string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Name, w.Description)
}
