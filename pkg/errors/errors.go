package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("resource conflict")
	ErrInternal     = errors.New("internal server error")
	ErrValidation   = errors.New("validation error")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrTransient    = errors.New("transient failure")

	// Stock ledger errors
	ErrDuplicateBatch         = errors.New("duplicate batch")
	ErrInvalidDateRange       = errors.New("invalid date range")
	ErrInvalidQuantityOrPrice = errors.New("invalid quantity or price")
	ErrImmutableFieldChange   = errors.New("immutable field change")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidDelta           = errors.New("invalid quantity delta")
)

// Shortfall describes one product line that could not be covered by stock.
type Shortfall struct {
	ProductID string `json:"product_id"`
	Line      int    `json:"line,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Shortfall int    `json:"shortfall"`
}

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
	Shortfalls []Shortfall       `json:"shortfalls,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// Validation is the ValidationFailed kind: the request is malformed and
// nothing was changed.
func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

func TokenExpired() *AppError {
	return &AppError{
		Err:        ErrTokenExpired,
		Code:       "TOKEN_EXPIRED",
		Message:    "token has expired",
		StatusCode: http.StatusUnauthorized,
	}
}

func TokenInvalid() *AppError {
	return &AppError{
		Err:        ErrTokenInvalid,
		Code:       "TOKEN_INVALID",
		Message:    "invalid token",
		StatusCode: http.StatusUnauthorized,
	}
}

// Transient is returned when a concurrency conflict persisted through all
// retry attempts. The caller may resubmit the request unchanged.
func Transient(err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrTransient, err),
		Code:       "TRANSIENT_FAILURE",
		Message:    "the operation conflicted with concurrent updates, please retry",
		StatusCode: http.StatusServiceUnavailable,
	}
}

// Stock ledger error constructors

func DuplicateBatch(productID, batchNumber string) *AppError {
	return &AppError{
		Err:        ErrDuplicateBatch,
		Code:       "DUPLICATE_BATCH",
		Message:    fmt.Sprintf("batch %q already exists for this product", batchNumber),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"product_id":   productID,
			"batch_number": batchNumber,
		},
	}
}

func InvalidDateRange(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidDateRange,
		Code:       "INVALID_DATE_RANGE",
		Message:    message,
		StatusCode: http.StatusUnprocessableEntity,
	}
}

func InvalidQuantityOrPrice(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrInvalidQuantityOrPrice,
		Code:       "INVALID_QUANTITY_OR_PRICE",
		Message:    "quantity and prices must be greater than zero",
		StatusCode: http.StatusUnprocessableEntity,
		Details:    details,
	}
}

func ImmutableFieldChange(fields ...string) *AppError {
	details := make(map[string]string, len(fields))
	for _, f := range fields {
		details[f] = "cannot be changed after the batch is created"
	}
	return &AppError{
		Err:        ErrImmutableFieldChange,
		Code:       "IMMUTABLE_FIELD_CHANGE",
		Message:    "batch number, dates and quantity cannot be changed through a metadata update",
		StatusCode: http.StatusUnprocessableEntity,
		Details:    details,
	}
}

// InsufficientStock reports every line that could not be covered. The
// shortfall figures let the caller retry with a reduced quantity.
func InsufficientStock(shortfalls ...Shortfall) *AppError {
	msg := "insufficient stock"
	if len(shortfalls) == 1 {
		s := shortfalls[0]
		msg = fmt.Sprintf("insufficient stock: requested %d, available %d, short by %d",
			s.Requested, s.Available, s.Shortfall)
	} else if len(shortfalls) > 1 {
		msg = fmt.Sprintf("insufficient stock on %d lines", len(shortfalls))
	}
	return &AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    msg,
		StatusCode: http.StatusConflict,
		Shortfalls: shortfalls,
	}
}

func InvalidDelta(txType string, delta int) *AppError {
	return &AppError{
		Err:        ErrInvalidDelta,
		Code:       "INVALID_DELTA",
		Message:    fmt.Sprintf("quantity delta %d is not valid for a %s transaction", delta, txType),
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
