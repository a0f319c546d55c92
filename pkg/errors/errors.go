package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Status    int                    `json:"status"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so sentinel comparisons survive Clone and Wrap.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Retryable: retryableCode(code)}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err, Retryable: retryableCode(code)}
}

// Error codes shared by the report workflow.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeNotFound               = "NOT_FOUND"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeForbidden              = "FORBIDDEN"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"
	CodeDependency             = "DEPENDENCY_ERROR"
	CodeInternal               = "INTERNAL_ERROR"
)

// Predefined errors for common scenarios.
var (
	ErrValidation             = New(CodeValidation, http.StatusBadRequest, "validation failed")
	ErrNotFound               = New(CodeNotFound, http.StatusNotFound, "resource not found")
	ErrInvalidTransition      = New(CodeInvalidTransition, http.StatusConflict, "status change not allowed")
	ErrForbidden              = New(CodeForbidden, http.StatusForbidden, "forbidden")
	ErrUnauthorized           = New(CodeUnauthorized, http.StatusUnauthorized, "unauthorized")
	ErrConcurrentModification = New(CodeConcurrentModification, http.StatusConflict, "resource was modified concurrently, reload and retry")
	ErrDependency             = New(CodeDependency, http.StatusServiceUnavailable, "dependency unavailable, try again")
	ErrInternal               = New(CodeInternal, http.StatusInternalServerError, "internal server error")
	ErrCacheMiss              = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(err, ErrDependency.Code, ErrDependency.Status, "operation timed out")
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	if err.Details != nil {
		clone.Details = make(map[string]interface{}, len(err.Details))
		for k, v := range err.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}

// WithDetails returns a copy of err carrying extra structured details.
func WithDetails(err *Error, details map[string]interface{}) *Error {
	clone := Clone(err, "")
	if clone == nil {
		return nil
	}
	if clone.Details == nil {
		clone.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		clone.Details[k] = v
	}
	return clone
}

// Annotate prefixes the message with the attempted operation while keeping code and status.
func Annotate(err error, operation string) error {
	if err == nil || operation == "" {
		return err
	}
	appErr := FromError(err)
	clone := Clone(appErr, fmt.Sprintf("%s: %s", operation, appErr.Message))
	return clone
}

// Dependency wraps a store failure; deadline and cancellation are reported as not applied.
func Dependency(err error, message string) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		message = message + " (timed out, not applied)"
	}
	return Wrap(err, ErrDependency.Code, ErrDependency.Status, message)
}

// IsRetryable reports whether a caller may retry the operation after re-fetching state.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return retryableCode(e.Code)
}

func retryableCode(code string) bool {
	return code == CodeDependency || code == CodeConcurrentModification
}
