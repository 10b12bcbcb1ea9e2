// Package apperror carries the typed failures of the flash-loan core.
package apperror

import (
	"errors"
	"fmt"
)

// AppError is an error with a stable code callers can switch on
type AppError struct {
	Code    Code
	Message string
	Context string
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is matches any AppError carrying the same code
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Option configures an AppError
type Option func(*AppError)

// WithMessage overrides the default message for the code
func WithMessage(message string) Option {
	return func(e *AppError) {
		e.Message = message
	}
}

// WithContext attaches context such as a symbol or tx hash
func WithContext(context string) Option {
	return func(e *AppError) {
		e.Context = context
	}
}

// WithCause wraps an underlying error
func WithCause(cause error) Option {
	return func(e *AppError) {
		e.cause = cause
	}
}

// New creates an AppError for code
func New(code Code, opts ...Option) *AppError {
	err := &AppError{
		Code:    code,
		Message: messages[code],
	}
	for _, opt := range opts {
		opt(err)
	}
	if err.Message == "" {
		err.Message = string(code)
	}
	return err
}

// Newf creates an AppError with a formatted context
func Newf(code Code, format string, args ...interface{}) *AppError {
	return New(code, WithContext(fmt.Sprintf(format, args...)))
}

// Wrap converts err into an AppError, keeping an existing code when present
func Wrap(err error, code Code, context string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return New(code, WithContext(context), WithCause(err))
}

// GetCode extracts the code from err, or CodeUnknownError
func GetCode(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknownError
}

// Retryable reports whether the caller may resubmit later with a chance of success.
// Nothing in this module retries on its own.
func Retryable(err error) bool {
	switch GetCode(err) {
	case CodeInsufficientLiquidity, CodeResourceExhausted, CodeTimeout, CodeWriteConflict:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is checks
var (
	ErrInvalidAmount               = &AppError{Code: CodeInvalidAmount}
	ErrInvalidAsset                = &AppError{Code: CodeInvalidAsset}
	ErrUnknownAsset                = &AppError{Code: CodeUnknownAsset}
	ErrUnauthorized                = &AppError{Code: CodeUnauthorized}
	ErrUnknownTx                   = &AppError{Code: CodeUnknownTx}
	ErrInsufficientLiquidity       = &AppError{Code: CodeInsufficientLiquidity}
	ErrResourceExhausted           = &AppError{Code: CodeResourceExhausted}
	ErrSettlementInvariantViolated = &AppError{Code: CodeSettlementInvariantViolated}
	ErrReverted                    = &AppError{Code: CodeReverted}
	ErrWriteConflict               = &AppError{Code: CodeWriteConflict}
	ErrTimeout                     = &AppError{Code: CodeTimeout}
)
