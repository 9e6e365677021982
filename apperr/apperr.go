// Package apperr defines the error taxonomy shared by every lifecycle
// component. Each error carries a Kind, a stable machine-readable code and a
// human-readable message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and retry policy.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindAuthorization       Kind = "authorization"
	KindStateConflict       Kind = "state_conflict"
	KindNotFound            Kind = "not_found"
	KindExternalService     Kind = "external_service"
	KindExpired             Kind = "expired"
	KindCompensationFailure Kind = "compensation_failure"
	KindInternal            Kind = "internal"
)

// Error is the user-visible error value.
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
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.Err = cause
	return &out
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	out := *e
	out.Message = fmt.Sprintf(format, args...)
	return &out
}

func newErr(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error      { return newErr(KindValidation, code, message) }
func Authorization(code, message string) *Error   { return newErr(KindAuthorization, code, message) }
func StateConflict(code, message string) *Error   { return newErr(KindStateConflict, code, message) }
func NotFound(code, message string) *Error        { return newErr(KindNotFound, code, message) }
func ExternalService(code, message string) *Error { return newErr(KindExternalService, code, message) }
func Expired(code, message string) *Error         { return newErr(KindExpired, code, message) }
func Internal(code, message string) *Error        { return newErr(KindInternal, code, message) }

func CompensationFailure(code, message string) *Error {
	return newErr(KindCompensationFailure, code, message)
}

// KindOf reports the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindExternalService, KindExpired, KindStateConflict:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to its response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindExternalService:
		return http.StatusBadGateway
	case KindExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
