// Package apperror defines the typed failures shared by every layer.
//
// ERROR TAXONOMY:
// Each sentinel below is one failure class. Services wrap them in *AppError so
// the message stays human-readable while errors.Is() still finds the class:
//
//	ErrValidation         → malformed input (empty message, self-follow, bad cursor)
//	ErrNotFound           → referenced user/conversation does not exist
//	ErrForbidden          → actor is not a participant
//	ErrConflict           → create-if-absent hit an existing document
//	ErrUnavailable        → transient store failure, safe to retry idempotent calls
//	ErrFailedPrecondition → store state does not allow the operation
//
// Handlers map these to HTTP status codes (see handler/response.go).
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("Validation Error")
	ErrConflict           = errors.New("conflict")
	ErrForbidden          = errors.New("forbidden")
	ErrUnavailable        = errors.New("unavailable")
	ErrFailedPrecondition = errors.New("failed precondition")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Cause   error  // Optional: underlying driver/network error
}

func (e *AppError) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause, so errors.Is
// matches ErrUnavailable and context.DeadlineExceeded on the same error.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unavailable marks a transient failure. The cause is kept for logging but
// never shown to clients.
func Unavailable(operation string, cause error) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: fmt.Sprintf("%s temporarily unavailable", operation),
		Cause:   cause,
	}
}

func FailedPrecondition(message string) *AppError {
	return &AppError{
		Err:     ErrFailedPrecondition,
		Message: message,
	}
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
