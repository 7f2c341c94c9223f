// Package errors provides coded error types for the token keeper.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code represents an application error code.
type Code string

// Error codes for the application.
const (
	// General errors
	CodeInternal      Code = "INTERNAL"
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeTimeout       Code = "TIMEOUT"
	CodeCanceled      Code = "CANCELED"

	// Token lifecycle errors
	CodeConfiguration           Code = "CONFIGURATION"
	CodeInvalidRequest          Code = "INVALID_REQUEST"
	CodeProviderResponse        Code = "PROVIDER_RESPONSE"
	CodeMissingRefreshToken     Code = "MISSING_REFRESH_TOKEN"
	CodeReauthorizationRequired Code = "REAUTHORIZATION_REQUIRED"
)

// Error is the application's custom error type with code and details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the target error has the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Err:     e.Err,
	}
}

// Wrap returns a copy of the error wrapping err.
func (e *Error) Wrap(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Err:     err,
	}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// InternalWrap creates an internal error wrapping another error.
func InternalWrap(message string, err error) *Error {
	return Wrap(CodeInternal, message, err)
}

// NotFound creates a not found error.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Unavailable creates an unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Configuration reports missing or invalid provider configuration.
func Configuration(message string) *Error {
	return New(CodeConfiguration, message)
}

// InvalidRequest reports invalid caller input.
func InvalidRequest(message string) *Error {
	return New(CodeInvalidRequest, message)
}

// ProviderResponse reports a failed or malformed provider response.
// A non-zero status is attached as details.
func ProviderResponse(message string, status int, err error) *Error {
	e := Wrap(CodeProviderResponse, message, err)
	if status != 0 {
		e.Details = map[string]any{"status": status}
	}
	return e
}

// MissingRefreshToken reports a refresh attempt on a record without a refresh token.
func MissingRefreshToken(message string) *Error {
	return New(CodeMissingRefreshToken, message)
}

// ReauthorizationRequired reports that the authorization-code flow must be re-run.
func ReauthorizationRequired(message string, cause error) *Error {
	return Wrap(CodeReauthorizationRequired, message, cause)
}

// FromContext converts a context error into a coded error. It returns nil
// when err is not a context error.
func FromContext(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCanceled, "operation canceled", err)
	default:
		return nil
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *Error) HTTPStatusCode() int {
	switch e.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeReauthorizationRequired, CodeMissingRefreshToken:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeProviderResponse:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeCanceled:
		return 499 // Client Closed Request
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus returns the appropriate gRPC status for the error.
func (e *Error) GRPCStatus() *status.Status {
	var code codes.Code
	switch e.Code {
	case CodeInvalidRequest:
		code = codes.InvalidArgument
	case CodeReauthorizationRequired, CodeMissingRefreshToken:
		code = codes.Unauthenticated
	case CodeNotFound:
		code = codes.NotFound
	case CodeAlreadyExists:
		code = codes.AlreadyExists
	case CodeConfiguration:
		code = codes.FailedPrecondition
	case CodeTimeout:
		code = codes.DeadlineExceeded
	case CodeProviderResponse, CodeUnavailable:
		code = codes.Unavailable
	case CodeCanceled:
		code = codes.Canceled
	default:
		code = codes.Internal
	}

	return status.New(code, e.Message)
}

// ToGRPCError converts the error to a gRPC error.
func (e *Error) ToGRPCError() error {
	return e.GRPCStatus().Err()
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or CodeInternal if not found.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether a caller may retry the failed operation with backoff.
func Retryable(err error) bool {
	switch GetCode(err) {
	case CodeProviderResponse, CodeUnavailable, CodeTimeout:
		return true
	default:
		return false
	}
}

// ProviderStatus returns the HTTP status attached to a provider error, or 0.
func ProviderStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeProviderResponse {
		return 0
	}
	if d, ok := e.Details.(map[string]any); ok {
		if s, ok := d["status"].(int); ok {
			return s
		}
	}
	return 0
}

// Transient reports whether err points at an outage rather than a rejection.
// Provider 4xx answers other than 429 are rejections of this request.
func Transient(err error) bool {
	if !Retryable(err) {
		return false
	}
	s := ProviderStatus(err)
	return s == 0 || s == http.StatusTooManyRequests || s >= 500
}
