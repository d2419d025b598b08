// Package errors provides the service's coded error type. Every error that
// crosses a package boundary carries a Code so handlers can map it to an
// HTTP status or a gRPC code without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error.
type Code string

const (
	ErrCodeInvalidInput     Code = "INVALID_INPUT"
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeConflict         Code = "CONFLICT"
	ErrCodeUnauthorized     Code = "UNAUTHORIZED"
	ErrCodeForbidden        Code = "FORBIDDEN"
	ErrCodeInternal         Code = "INTERNAL"
	ErrCodeNoActiveStage    Code = "NO_ACTIVE_STAGE"
	ErrCodeNotAssigned      Code = "NOT_ASSIGNED"
	ErrCodeDuplicateAction  Code = "DUPLICATE_ACTION"
	ErrCodeActionNotAllowed Code = "ACTION_NOT_ALLOWED"
	ErrCodeWorkflowTerminal Code = "WORKFLOW_TERMINAL"
	ErrCodeNoTemplateFound  Code = "NO_TEMPLATE_FOUND"
	ErrCodeMissingLedgerRow Code = "MISSING_LEDGER_ROW"
	ErrCodeInsufficientFund Code = "INSUFFICIENT_FUNDS"
	ErrCodeValidation       Code = "VALIDATION_FAILED"
)

// Error is a coded error with an optional field and cause.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Code, e.Field, e.Message, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode implements the Coder interface.
func (e *Error) ErrorCode() Code { return e.Code }

// Is matches another *Error by code, so sentinel errors compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Coder is implemented by errors that carry their own code, such as the
// service's aggregated validation error.
type Coder interface {
	ErrorCode() Code
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource of the given kind.
func NotFound(kind, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", kind, id)}
}

// InvalidInput reports a bad request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrCodeInternal when none is found.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c Coder
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error code to an HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidInput, ErrCodeValidation, ErrCodeMissingLedgerRow:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeNoTemplateFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden, ErrCodeNotAssigned, ErrCodeActionNotAllowed:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeDuplicateAction, ErrCodeWorkflowTerminal, ErrCodeNoActiveStage:
		return http.StatusConflict
	case ErrCodeInsufficientFund:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Is and As re-export the standard library helpers so callers need a single
// errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
