// Package faults defines the error taxonomy shared by every layer of the
// gateway. Stores and services return *Error values; the HTTP boundary maps
// kinds to status codes without inspecting messages.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary mapping and retry decisions.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindInvalid      Kind = "invalid"
	KindTransient    Kind = "transient"
	KindIntegrity    Kind = "integrity"
	KindExpired      Kind = "expired"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error around a cause. A nil cause is allowed.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFound(format string, args ...any) *Error     { return New(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error     { return New(KindConflict, format, args...) }
func Unauthorized(format string, args ...any) *Error { return New(KindUnauthorized, format, args...) }
func Forbidden(format string, args ...any) *Error    { return New(KindForbidden, format, args...) }
func Invalid(format string, args ...any) *Error      { return New(KindInvalid, format, args...) }
func Transient(format string, args ...any) *Error    { return New(KindTransient, format, args...) }
func Integrity(format string, args ...any) *Error    { return New(KindIntegrity, format, args...) }
func Expired(format string, args ...any) *Error      { return New(KindExpired, format, args...) }

// KindOf returns the kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

func IsNotFound(err error) bool     { return is(err, KindNotFound) }
func IsConflict(err error) bool     { return is(err, KindConflict) }
func IsUnauthorized(err error) bool { return is(err, KindUnauthorized) }
func IsForbidden(err error) bool    { return is(err, KindForbidden) }
func IsInvalid(err error) bool      { return is(err, KindInvalid) }
func IsTransient(err error) bool    { return is(err, KindTransient) }
func IsIntegrity(err error) bool    { return is(err, KindIntegrity) }
func IsExpired(err error) bool      { return is(err, KindExpired) }
