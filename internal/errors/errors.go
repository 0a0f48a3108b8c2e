// Package errors defines the error taxonomy shared by the approvals service.
//
// Every error that crosses a layer boundary is an *Error carrying a Code.
// Wrapping preserves the code of the innermost *Error so callers can tell
// which layer detected the problem.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error kind.
type Code string

const (
	ErrCodeValidation       Code = "VALIDATION"
	ErrCodeConflict         Code = "CONFLICT"
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	ErrCodeInternal         Code = "INTERNAL"
)

// Error is the concrete error type returned by the service layers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to err. If err already carries a code,
// that code wins.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if stderrors.As(err, &inner) {
		code = inner.Code
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Validation is a caller-fixable error; the message is shown verbatim.
func Validation(message string) *Error {
	return New(ErrCodeValidation, message)
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return New(ErrCodeValidation, fmt.Sprintf("%s: %s", field, message))
}

// Conflict reports an optimistic-concurrency or uniqueness failure.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s %s not found", resource, id))
}

// Unavailable reports a persistence failure whose outcome is unknown.
func Unavailable(err error, message string) *Error {
	return &Error{Code: ErrCodeStoreUnavailable, Message: message, Err: err}
}

// CodeOf returns the code of the innermost *Error in err's chain, or
// ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var code Code = ErrCodeInternal
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			break
		}
		code = e.Code
		err = e.Err
	}
	return code
}

func IsValidation(err error) bool  { return CodeOf(err) == ErrCodeValidation }
func IsConflict(err error) bool    { return CodeOf(err) == ErrCodeConflict }
func IsNotFound(err error) bool    { return CodeOf(err) == ErrCodeNotFound }
func IsUnavailable(err error) bool { return CodeOf(err) == ErrCodeStoreUnavailable }

// Kind is the lowercase wire spelling of err's code.
func Kind(err error) string {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return "validation"
	case ErrCodeConflict:
		return "conflict"
	case ErrCodeNotFound:
		return "not_found"
	case ErrCodeStoreUnavailable:
		return "store_unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user-facing message of the innermost *Error.
func Message(err error) string {
	msg := err.Error()
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			break
		}
		msg = e.Message
		err = e.Err
	}
	return msg
}
