package domain

import (
	"errors"
	"fmt"
)

// ErrorCode discriminates domain error kinds. Callers match on the code
// rather than on concrete error types.
type ErrorCode string

const (
	ErrInvalidPrice         ErrorCode = "INVALID_PRICE"
	ErrInvalidAmount        ErrorCode = "INVALID_AMOUNT"
	ErrInvalidClientID      ErrorCode = "INVALID_CLIENT_ID"
	ErrInvalidSide          ErrorCode = "INVALID_ORDER_TYPE"
	ErrInvalidStatus        ErrorCode = "INVALID_ORDER_STATUS"
	ErrInvalidFilledAmount  ErrorCode = "INVALID_FILLED_AMOUNT"
	ErrFillExceedsAvailable ErrorCode = "FILLED_AMOUNT_EXCEEDS_AVAILABLE"
	ErrOrderFilled          ErrorCode = "ORDER_FILLED"
	ErrInvalidMatch         ErrorCode = "INVALID_MATCH"

	ErrNilOrder         ErrorCode = "NIL_ORDER"
	ErrInactiveOrder    ErrorCode = "INACTIVE_ORDER_STATUS"
	ErrDuplicateOrderID ErrorCode = "DUPLICATE_ORDER_ID"
	ErrMissingOrderID   ErrorCode = "MISSING_ORDER_ID"
	ErrCancelFailed     ErrorCode = "CANCEL_FAILED"
	ErrInvalidOrderData ErrorCode = "INVALID_ORDER_DATA"
	ErrInvalidState     ErrorCode = "INVALID_STATE"
	ErrRequestTimeout   ErrorCode = "REQUEST_TIMEOUT"
	ErrCancelBroadcast  ErrorCode = "CANCEL_BROADCAST_FAILED"
)

// DomainError is a tagged error carrying a discriminant code and a message.
type DomainError struct {
	Code ErrorCode
	Msg  string
	Err  error // optional underlying cause
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Msg + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Msg
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a tagged domain error.
func NewError(code ErrorCode, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates a tagged domain error with an underlying cause.
func WrapError(code ErrorCode, err error, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code, or "" for non-domain errors.
func CodeOf(err error) ErrorCode {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "announce", "request", "listen")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}
