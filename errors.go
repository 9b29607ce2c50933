// Package entitykv is the top-level package of the query layer: a fluent
// builder that compiles typed predicates against schema-defined properties
// into a reusable query, then executes repeatable retrievals against a
// pluggable storage backend.
package entitykv

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures raised by the query layer.
type ErrorKind string

const (
	// IllegalState covers builder/query misuse: a pending operator at
	// build time, an operator with no prior condition, a duplicate
	// filter, or use of a builder/query after it was closed.
	ErrIllegalState ErrorKind = "illegal_state"
	// ErrUnsupported covers operations disallowed for the current
	// configuration, e.g. findFirst with a filter, or findIds on an
	// ordered query.
	ErrUnsupported ErrorKind = "unsupported"
	// ErrInvalidArgument covers a null-value of an unsupported class, a
	// nil date parameter, or distinct(StringOrder) on a non-string
	// property.
	ErrInvalidArgument ErrorKind = "invalid_argument"
	// ErrNotUnique is returned by FindUnique when more than one row
	// matches.
	ErrNotUnique ErrorKind = "not_unique"
	// ErrBackend wraps a transient or fatal error surfaced by the
	// storage backend.
	ErrBackend ErrorKind = "backend"
)

// Error is the error type raised by the exported operations of the query
// layer (QueryBuilder, Query, PropertyQuery, LazyList); the storage
// adapters return their own errors. Callers should use errors.As to
// recover the Kind.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with no wrapped cause.
func New(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap creates an *Error around a lower-level cause.
func Wrap(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// IsKind reports whether err is an *Error of the given Kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrBreakForEach is the control-flow sentinel a ForEach consumer raises to
// stop iteration early. It never propagates past ForEach.
var ErrBreakForEach = errors.New("entitykv: break for-each")
