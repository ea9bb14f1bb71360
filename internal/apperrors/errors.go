// Package apperrors classifies engagement failures so transports can map them
// to responses without inspecting messages.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of a failure.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindUnauthenticated Kind = "unauthenticated"
	KindStorage         Kind = "storage"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrInvalidInput    = &Error{kind: KindInvalidInput, code: string(KindInvalidInput)}
	ErrNotFound        = &Error{kind: KindNotFound, code: string(KindNotFound)}
	ErrUnauthenticated = &Error{kind: KindUnauthenticated, code: string(KindUnauthenticated)}
	ErrStorage         = &Error{kind: KindStorage, code: string(KindStorage)}
)

// Error carries a kind, an "operation.reason" code and an optional cause.
type Error struct {
	kind Kind
	code string
	err  error
}

// New builds an error for the operation and reason, wrapping cause.
func New(kind Kind, operation, reason string, cause error) error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

// InvalidInput reports a request rejected before any side effect.
func InvalidInput(operation, reason string, cause error) error {
	return New(KindInvalidInput, operation, reason, cause)
}

// NotFound reports a missing or deleted entity.
func NotFound(operation, reason string, cause error) error {
	return New(KindNotFound, operation, reason, cause)
}

// Unauthenticated reports a missing or rejected credential.
func Unauthenticated(operation, reason string, cause error) error {
	return New(KindUnauthenticated, operation, reason, cause)
}

// Storage reports a failed persistence call; the operation did not complete.
func Storage(operation, reason string, cause error) error {
	return New(KindStorage, operation, reason, cause)
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	if other.code == string(other.kind) {
		return e.kind == other.kind
	}
	return e.kind == other.kind && e.code == other.code
}

// Kind returns the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code returns the "operation.reason" code.
func (e *Error) Code() string {
	return e.code
}

// KindOf returns the kind of the first *Error in the chain, or KindStorage for
// unclassified errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindStorage
}

// CodeOf returns the code of the first *Error in the chain.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.code
	}
	return "internal"
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
