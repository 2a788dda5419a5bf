package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error codes surfaced to API clients.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
	CodeNoActiveShift        = "NO_ACTIVE_SHIFT"
	CodeShiftAlreadyActive   = "SHIFT_ALREADY_ACTIVE"
	CodeInsufficientStock    = "INSUFFICIENT_STOCK"
	CodeAlreadyCancelled     = "ALREADY_CANCELLED"
	CodeApprovalNotPending   = "APPROVAL_NOT_PENDING"
	CodeReturnQtyExceedsSold = "RETURN_QTY_EXCEEDS_SOLD"
)

// Error is the single business error type. Every rule violation carries an
// HTTP status, a machine code and a human message; details hold optional
// structured context (ids, quantities). It is never swallowed: the store and
// service layers return it as-is and the HTTP layer maps it directly.
type Error struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes errors.Is(err, domain.ErrConflict(code, ...)) style comparisons
// work by code: two *Error values match when their codes match.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[key] = value
	return e
}

func Validation(format string, args ...any) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code string, format string, args ...any) *Error {
	return &Error{Status: http.StatusConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: err.Error()}
}

// CodeOf returns the machine code of err, or CodeInternal for unexpected
// infrastructure failures.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// StatusOf returns the HTTP status of err, defaulting to 500.
func StatusOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Status
	}
	return http.StatusInternalServerError
}
