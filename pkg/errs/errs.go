// Package errs defines the stable error kinds surfaced to the presentation layer.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable error code string.
type Kind string

const (
	NoPortAvailable   Kind = "NO_PORT_AVAILABLE"
	NameConflict      Kind = "NAME_CONFLICT"
	InvalidTransition Kind = "INVALID_TRANSITION"
	ConflictingTarget Kind = "CONFLICTING_TARGET"
	IOFailure         Kind = "IO_FAILURE"
	ProcessFailure    Kind = "PROCESS_FAILURE"
)

// Error carries the kind plus enough context (site, operation) for the
// presentation layer to render a user-facing message.
type Error struct {
	Kind  Kind
	Site  string // site name, empty if not site-scoped
	Op    string // operation attempted, e.g. "archive"
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Site != "" {
		return fmt.Sprintf("%s: %s %q: %s", e.Kind, e.Op, e.Site, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given kind and context.
func New(kind Kind, op, site, msg string) error {
	return &Error{Kind: kind, Op: op, Site: site, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, site, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Site: site, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(kind Kind, op, site string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Site: site, Msg: cause.Error(), Cause: cause}
}

// GetKind extracts the kind from an error chain, or "" if err is not an *Error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}
