// Package errors provides structured error types for factlog.
// Every error carries a category, code, message and retryable flag so the pipeline,
// the read-side checks and the API layer agree on how a failure is handled.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the part of the system that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryView       ErrorCategory = "VIEW"
	ErrCategoryAccess     ErrorCategory = "ACCESS"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

const (
	// Validation codes. These never retry; the pipeline turns them into quality events.
	CodeMalformed          = "MALFORMED"
	CodeOversized          = "OVERSIZED"
	CodeMissingAction      = "MISSING_ACTION"
	CodeMissingTimestamp   = "MISSING_TIMESTAMP"
	CodeNamespaceViolation = "NAMESPACE_VIOLATION"

	// Storage codes
	CodeAppendFailed   = "APPEND_FAILED"
	CodeScanFailed     = "SCAN_FAILED"
	CodeCircuitOpen    = "CIRCUIT_OPEN"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// View codes
	CodeRefreshFailed    = "REFRESH_FAILED"
	CodeStaleView        = "STALE_VIEW"
	CodeInvalidPredicate = "INVALID_PREDICATE"

	// Access codes. Read-side rejections, each also logged as a security event.
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeBudgetExceeded   = "BUDGET_EXCEEDED"
	CodeReplayDetected   = "REPLAY_DETECTED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is comparisons. Matching is by category and code only.
var (
	ErrPermissionDenied = New(ErrCategoryAccess, CodePermissionDenied, "permission denied")
	ErrBudgetExceeded   = New(ErrCategoryAccess, CodeBudgetExceeded, "budget exceeded")
	ErrReplayDetected   = New(ErrCategoryAccess, CodeReplayDetected, "replay detected")
	ErrStaleView        = New(ErrCategoryView, CodeStaleView, "view not fresh enough")
	ErrEventNotFound    = New(ErrCategoryView, CodeObjectNotFound, "event not found")
)

// FactlogError is the structured error type used throughout the system.
type FactlogError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

func (e *FactlogError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *FactlogError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *FactlogError) Is(target error) bool {
	var t *FactlogError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new FactlogError.
func New(category ErrorCategory, code, message string) *FactlogError {
	return &FactlogError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new FactlogError wrapping cause.
func Wrap(category ErrorCategory, code, message string, cause error) *FactlogError {
	e := New(category, code, message)
	e.Cause = cause
	return e
}

// WithDetails returns a copy of the error with additional details.
func (e *FactlogError) WithDetails(details map[string]interface{}) *FactlogError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var fe *FactlogError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// GetCategory extracts the category from an error chain, or "".
func GetCategory(err error) ErrorCategory {
	var fe *FactlogError
	if errors.As(err, &fe) {
		return fe.Category
	}
	return ""
}

// GetCode extracts the code from an error chain, or "".
func GetCode(err error) string {
	var fe *FactlogError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeAppendFailed:
		return true
	case category == ErrCategoryStorage && code == CodeScanFailed:
		return true
	case category == ErrCategoryView && code == CodeStaleView:
		return true
	default:
		return false
	}
}

func NewValidationError(code, message string) *FactlogError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *FactlogError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewViewError(code, message string, cause error) *FactlogError {
	return Wrap(ErrCategoryView, code, message, cause)
}

func NewAccessError(code, message string) *FactlogError {
	return New(ErrCategoryAccess, code, message)
}

func NewInternalError(message string, cause error) *FactlogError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
