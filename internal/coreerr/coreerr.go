// Package coreerr defines the core's error taxonomy as error kinds rather
// than a type per failure site, matching the propagation policy in §7 of
// the control-plane design: callers switch on Kind, not on concrete type.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is one of the core's error taxonomy members.
type Kind string

const (
	NotFound                Kind = "not_found"
	Forbidden               Kind = "forbidden"
	InvalidRef              Kind = "invalid_ref"
	Unauthorized            Kind = "unauthorized"
	RetryLater              Kind = "retry_later"
	InvalidResponse         Kind = "invalid_response"
	CircuitOpen             Kind = "circuit_open"
	ReplicationLagExceeded  Kind = "replication_lag_exceeded"
	ReplicationFatal        Kind = "replication_fatal"
)

// Error is a taxonomy-classified error, optionally carrying the violated
// Condition properties for Forbidden and wrapping an underlying cause.
type Error struct {
	Kind     Kind
	Violated []string
	Err      error
}

func (e *Error) Error() string {
	if len(e.Violated) > 0 {
		return fmt.Sprintf("%s: violated %v", e.Kind, e.Violated)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a bare Error of the given kind wrapping cause (cause may be nil).
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// NewForbidden builds a Forbidden error carrying the violated properties.
func NewForbidden(violated []string) *Error {
	return &Error{Kind: Forbidden, Violated: violated}
}

// Is reports whether err (or anything it wraps) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
