// Package errors defines the typed application errors shared by every layer of
// the letters service. Each error carries a stable Code so transport layers can
// map it to an HTTP or gRPC status without inspecting message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code identifies the kind of failure.
type Code string

const (
	ErrCodeNotFound          Code = "NOT_FOUND"
	ErrCodeInvalidState      Code = "INVALID_STATE"
	ErrCodeForbidden         Code = "FORBIDDEN"
	ErrCodeUnauthenticated   Code = "UNAUTHENTICATED"
	ErrCodeInvalidInput      Code = "INVALID_INPUT"
	ErrCodeDependencyFailure Code = "DEPENDENCY_FAILURE"
	ErrCodeInternal          Code = "INTERNAL"
)

// AppError is the error type returned by repositories and services.
type AppError struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code and message.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports that resource with the given id does not exist.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// InvalidInput reports a missing or malformed request field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// InvalidState reports an operation attempted in the wrong workflow status.
func InvalidState(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidState, Message: message}
}

// Forbidden reports that the caller is not the actor allowed to perform the operation.
func Forbidden(message string) *AppError {
	return &AppError{Code: ErrCodeForbidden, Message: message}
}

// Dependency reports a failure of a collaborator the operation cannot proceed without.
func Dependency(err error, message string) *AppError {
	return &AppError{Code: ErrCodeDependencyFailure, Message: message, Err: err}
}

// CodeOf returns the Code of the first AppError in err's chain, or ErrCodeInternal.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeDependencyFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a code to its gRPC status code.
func GRPCCode(code Code) codes.Code {
	switch code {
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidState:
		return codes.FailedPrecondition
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeForbidden:
		return codes.PermissionDenied
	case ErrCodeUnauthenticated:
		return codes.Unauthenticated
	case ErrCodeDependencyFailure:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
