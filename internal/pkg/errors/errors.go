// Package errors defines the application error used across the engine:
// an HTTP-ish status code, a stable machine reason, a human message, and
// optional metadata plus a wrapped cause.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type ApplicationError struct {
	Code     int
	Reason   string
	Message  string
	Metadata map[string]string

	cause error
}

func New(code int, reason, message string) *ApplicationError {
	return &ApplicationError{
		Code:    code,
		Reason:  reason,
		Message: message,
	}
}

func (e *ApplicationError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *ApplicationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches by reason so that package-level sentinel errors still match
// after WithCause/WithMetadata cloned them.
func (e *ApplicationError) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t := new(ApplicationError)
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Reason == t.Reason
}

// WithCause returns a copy carrying err as the wrapped cause. The receiver
// is not mutated; sentinels stay shareable.
func (e *ApplicationError) WithCause(err error) *ApplicationError {
	if e == nil {
		return nil
	}
	out := e.clone()
	out.cause = err
	return out
}

// WithMetadata returns a copy with md merged over existing metadata.
func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	if e == nil {
		return nil
	}
	out := e.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		out.Metadata[k] = v
	}
	return out
}

func (e *ApplicationError) clone() *ApplicationError {
	out := &ApplicationError{
		Code:    e.Code,
		Reason:  e.Reason,
		Message: e.Message,
		cause:   e.cause,
	}
	if len(e.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func BadRequest(reason, message string) *ApplicationError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return New(http.StatusNotFound, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return New(http.StatusConflict, reason, message)
}

func TooManyRequests(reason, message string) *ApplicationError {
	return New(http.StatusTooManyRequests, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return New(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return New(http.StatusServiceUnavailable, reason, message)
}

// Code reports the status code carried by err, 200 for nil and 500 for
// non-application errors.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	appErr := new(ApplicationError)
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Code
	}
	return http.StatusInternalServerError
}

// Reason reports the machine reason carried by err, "" when absent.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	appErr := new(ApplicationError)
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Reason
	}
	return ""
}

// IsReason reports whether err carries the given reason.
func IsReason(err error, reason string) bool {
	return Reason(err) == reason
}

// FromError normalizes any error into an ApplicationError.
func FromError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	appErr := new(ApplicationError)
	if errors.As(err, &appErr) && appErr != nil {
		return appErr
	}
	return InternalServer("UNKNOWN", err.Error()).WithCause(err)
}
