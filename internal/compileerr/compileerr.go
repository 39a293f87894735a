// Package compileerr defines the error taxonomy shared by the fragment
// parser, FK resolver, statement builder, and stats cache. The request
// adapter is the only layer that turns a Kind into an HTTP status; every
// other package just returns a *Error and lets it propagate.
package compileerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the compile-error subkinds from the spec's error
// taxonomy. It never changes shape across layers; it's attached once, at
// the point a check fails, and carried unmodified to the adapter.
type Kind string

const (
	InvalidIdentifier    Kind = "invalid_identifier"
	SyntaxError          Kind = "syntax_error"
	UnknownTable         Kind = "unknown_table"
	UnknownColumn        Kind = "unknown_column"
	UnknownForeignKey    Kind = "unknown_foreign_key"
	CycleDetected        Kind = "cycle_detected"
	DepthExceeded        Kind = "depth_exceeded"
	UnsupportedFeature   Kind = "unsupported_feature"
	ConfirmationRequired Kind = "confirmation_required"
	DatabaseError        Kind = "database_error"
	Timeout              Kind = "timeout"
	ServiceUnavailable   Kind = "service_unavailable"
)

// Error is the concrete error type carrying a Kind plus whatever detail
// helps a human (or the JSON error body) understand the failure.
type Error struct {
	Kind    Kind
	Message string
	// Offset is the byte offset into the offending fragment, set only by
	// the fragment parser for SyntaxError.
	Offset int
	// Path is the dotted identifier that triggered the error, set by the
	// FK resolver for UnknownColumn/UnknownForeignKey/CycleDetected.
	Path string
	Err  error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Path)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a compile error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a compile error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithPath returns a copy of e with Path set, for FK-resolution errors
// that need to name the offending dotted identifier.
func (e *Error) WithPath(path string) *Error {
	clone := *e
	clone.Path = path
	return &clone
}

// WithOffset returns a copy of e with Offset set, for syntax errors.
func (e *Error) WithOffset(offset int) *Error {
	clone := *e
	clone.Offset = offset
	return &clone
}

// As reports whether err is (or wraps) a *Error, writing it into target.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
