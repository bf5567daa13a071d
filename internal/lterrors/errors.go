// Package lterrors provides structured error types for the linktally jobs.
// All errors include a category, code, message, and retryable flag so callers
// and the job runner can react consistently.
package lterrors

import (
	"errors"
	"fmt"
)

// Category classifies errors by failure mode.
type Category string

const (
	CategoryTransient   Category = "TRANSIENT"
	CategoryConsistency Category = "CONSISTENCY"
	CategoryNotFound    Category = "NOT_FOUND"
	CategoryUpload      Category = "UPLOAD"
	CategorySkip        Category = "SKIP"
	CategoryInternal    Category = "INTERNAL"
)

// Error codes for each category.
const (
	// Transient codes
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeDownloadFailed   = "DOWNLOAD_FAILED"

	// Consistency codes
	CodeDeleteCountMismatch = "DELETE_COUNT_MISMATCH"
	CodeDuplicateRow        = "DUPLICATE_ROW"
	CodeNegativeTotal       = "NEGATIVE_TOTAL"

	// Not-found codes
	CodeCollectionNotFound   = "COLLECTION_NOT_FOUND"
	CodeOrganisationNotFound = "ORGANISATION_NOT_FOUND"

	// Upload codes
	CodePartialUpload = "PARTIAL_UPLOAD"

	// Skip codes
	CodeGuardTriggered = "GUARD_TRIGGERED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  Category
	Code      string
	Message   string
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category Category, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: category == CategoryTransient,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(category Category, code, format string, args ...interface{}) *Error {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: category == CategoryTransient,
	}
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsSkip reports whether an error is a guard-triggered no-op. Skips are
// logged and swallowed by job entry points, never surfaced as failures.
func IsSkip(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Category == CategorySkip
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a structured Error.
func GetCategory(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// Convenience constructors for common errors.

func NewTransient(code, message string, cause error) *Error {
	return Wrap(CategoryTransient, code, message, cause)
}

func NewConsistency(code, format string, args ...interface{}) *Error {
	return Newf(CategoryConsistency, code, format, args...)
}

func NewNotFound(code, format string, args ...interface{}) *Error {
	return Newf(CategoryNotFound, code, format, args...)
}

func NewSkip(code, format string, args ...interface{}) *Error {
	return Newf(CategorySkip, code, format, args...)
}

func NewInternal(message string, cause error) *Error {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}
