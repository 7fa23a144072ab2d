// Package apperrors defines the semantic error kinds shared across the
// engine. Components never panic on expected failure paths; they return
// an *Error so callers (HTTP handlers, the scheduler, the CLI) can map it
// to a user-visible shape without inspecting Go types.
package apperrors

import "fmt"

// Kind identifies the semantic category of a failure, independent of the
// Go type that carries it.
type Kind string

const (
	ValidationFailure      Kind = "validation_failure"
	FileFormat             Kind = "file_format"
	ImportFailure          Kind = "import_failure"
	StoreFailure           Kind = "store_failure"
	MergeConflict          Kind = "merge_conflict"
	DependencyCycle        Kind = "dependency_cycle"
	ResourceNotFound       Kind = "resource_not_found"
	TokenExpired           Kind = "token_expired"
	TokenInvalid           Kind = "token_invalid"
	TokenRevoked           Kind = "token_revoked"
	TokenResourceMismatch  Kind = "token_resource_mismatch"
	CascadeFailure         Kind = "cascade_failure"
	ConfigurationError     Kind = "configuration_error"
)

// Error is the single error type returned by engine components. Details
// carries structured context (row numbers, field names, table names,
// cycle paths) that a caller may want to surface verbatim.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string, details map[string]interface{}) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Wrap builds an *Error around an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is allows errors.Is(err, apperrors.New(SomeKind, "", nil)) to match purely on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise "".
func KindOf(err error) Kind {
	var e *Error
	if as(err, &e) {
		return e.Kind
	}
	return ""
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
