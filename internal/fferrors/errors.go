// Package fferrors provides a lightweight structured error type (PipelineError)
// for category-based classification and retry semantics across the pipeline.
package fferrors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies a pipeline error against the failure taxonomy.
type ErrorCategory string

const (
	// Worker launch and execution failures
	CategoryLaunch  ErrorCategory = "launch"  // worker could not even be started
	CategoryInfra   ErrorCategory = "infra"   // worker died without a valid output
	CategoryLogical ErrorCategory = "logical" // worker produced a well-formed failure
	CategoryGuard   ErrorCategory = "guard"   // a retry bound was reached

	// Supporting infrastructure errors
	CategoryConfig     ErrorCategory = "config"
	CategoryStorage    ErrorCategory = "storage"
	CategoryLedger     ErrorCategory = "ledger"
	CategorySignal     ErrorCategory = "signal"
	CategoryValidation ErrorCategory = "validation"
	CategoryInternal   ErrorCategory = "internal"
)

// ErrorSeverity indicates how critical an error is
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"
	SeverityError   ErrorSeverity = "error"
	SeverityWarning ErrorSeverity = "warning"
)

// ContextFields carries structured context for PipelineError
type ContextFields map[string]any

// PipelineError is a structured error with category, retryability, and context
type PipelineError struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Message   string        `json:"message"`
	Cause     error         `json:"cause,omitempty"`
	Retryable bool          `json:"retryable"`
	Context   ContextFields `json:"context,omitempty"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping for Go 1.13+ error handling
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *PipelineError) WithContext(key string, value any) *PipelineError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new PipelineError
func New(category ErrorCategory, severity ErrorSeverity, message string) *PipelineError {
	return &PipelineError{Category: category, Severity: severity, Message: message}
}

// Wrap creates a new PipelineError that wraps an existing error
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *PipelineError {
	return &PipelineError{Category: category, Severity: severity, Message: message, Cause: err}
}

// Retryable creates a new retryable PipelineError
func Retryable(category ErrorCategory, severity ErrorSeverity, message string) *PipelineError {
	return &PipelineError{Category: category, Severity: severity, Message: message, Retryable: true}
}

// LaunchFailure builds the synchronous failure reported when the Supervisor
// cannot start a worker at all.
func LaunchFailure(cause error, message string) *PipelineError {
	return &PipelineError{
		Category:  CategoryLaunch,
		Severity:  SeverityError,
		Message:   message,
		Cause:     cause,
		Retryable: true,
	}
}

// CategoryOf extracts the category from an error chain, or CategoryInternal.
func CategoryOf(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryInternal
}

// IsRetryable reports whether the error chain carries a retryable PipelineError.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
