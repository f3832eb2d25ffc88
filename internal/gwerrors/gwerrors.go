// Package gwerrors holds the caller-visible error taxonomy of spec.md §7.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind identifies a taxonomy entry from spec.md §7.
type Kind string

const (
	UnknownAgent        Kind = "UnknownAgent"
	RoleNotFound        Kind = "RoleNotFound"
	ServerNotAccessible Kind = "ServerNotAccessible"
	ToolNotAccessible   Kind = "ToolNotAccessible"
	RateLimited         Kind = "RateLimited"
	NoHealthyUpstreams  Kind = "NoHealthyUpstreams"
	Timeout             Kind = "Timeout"
	UpstreamClosed      Kind = "UpstreamClosed"
	InvalidConfig       Kind = "InvalidConfig"
	InvalidTimeRange    Kind = "InvalidTimeRange"
	InvalidTimeZone     Kind = "InvalidTimeZone"
	Cancelled           Kind = "Cancelled"
	Internal            Kind = "Internal"
)

// Error is a taxonomy-tagged error. Kind lets callers (and the router's
// audit pipeline) branch on the failure category without string matching.
type Error struct {
	Kind    Kind
	Message string
	// Data carries kind-specific structured detail, e.g. the known role
	// list for RoleNotFound or retryAfterMs for RateLimited.
	Data any
	Err  error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured detail to a taxonomy error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Wrap tags an underlying error with a taxonomy kind.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err carries the given taxonomy kind.
func Is(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// KindOf extracts the taxonomy kind, returning Internal if err is untagged.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Internal
}
