package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal
	ErrConflict
	ErrUnavailable
	ErrPaymentRequired
	ErrAccepted
)

// Billing sentinel errors. Repositories and services wrap these with %w so
// callers can branch with errors.Is.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrAlreadyGrouped      = errors.New("transaction already belongs to a different analysis group")
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidTransition   = errors.New("invalid invoice status transition")
	ErrTrialLimitReached   = errors.New("trial credit limit reached")
	ErrChargeEscalated     = errors.New("charge escalated to manual reconciliation")
	ErrInvalidPlan         = errors.New("invalid plan")
	ErrIdempotencyConflict = errors.New("transaction id already used for a different charge")
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func NewConflict(message string, err error) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
		Err:     err,
	}
}

// NewUnavailable hides the underlying cause from clients on purpose; err is
// kept for logging only.
func NewUnavailable(err error) *AppError {
	return &AppError{
		Code:    ErrUnavailable,
		Message: "service temporarily unavailable, please try again shortly",
		Err:     err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Forbidden(err error) *AppError {
	return &AppError{
		Code:    ErrForbidden,
		Message: "forbidden",
		Err:     err,
	}
}

// FromError maps billing sentinel errors onto an AppError. Errors that are
// already AppErrors are returned unchanged.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidPlan):
		return NewBadRequest(err.Error(), err)
	case errors.Is(err, ErrAccountNotFound):
		return NewNotFound("account", err)
	case errors.Is(err, ErrTransactionNotFound):
		return NewNotFound("transaction", err)
	case errors.Is(err, ErrInvoiceNotFound):
		return NewNotFound("invoice", err)
	case errors.Is(err, ErrAlreadyGrouped), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrIdempotencyConflict):
		return NewConflict(err.Error(), err)
	case errors.Is(err, ErrTrialLimitReached):
		return &AppError{Code: ErrPaymentRequired, Message: "trial credit exhausted", Err: err}
	case errors.Is(err, ErrChargeEscalated):
		return &AppError{Code: ErrAccepted, Message: "charge accepted for reconciliation", Err: err}
	case errors.Is(err, ErrStoreUnavailable):
		return NewUnavailable(err)
	default:
		return NewInternal(err)
	}
}

// HTTPStatus returns the HTTP status code for an error code.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrConflict:
		return http.StatusConflict
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrPaymentRequired:
		return http.StatusPaymentRequired
	case ErrAccepted:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
