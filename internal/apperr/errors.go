package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and for the HTTP layer.
type Kind string

const (
	NotFound           Kind = "NOT_FOUND"
	Conflict           Kind = "CONFLICT"
	PreconditionFailed Kind = "PRECONDITION_FAILED"
	Validation         Kind = "VALIDATION"
	// Upstream errors come from the gateway, the feed or the directory and are retryable.
	Upstream Kind = "UPSTREAM"
	// Invariant errors should never happen in correct operation and are logged as defects.
	Invariant Kind = "INVARIANT"
	Internal  Kind = "INTERNAL"
)

// Error is the typed error shared by every package of the pipeline.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code so a freshly wrapped instance matches its package sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New creates an error without a cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a new error.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// WithCause returns a copy of e carrying err as its cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, Internal otherwise.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// CodeOf returns the code of the first *Error in the chain.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "internal_error"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
