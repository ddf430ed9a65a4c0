package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBusiness   ErrorType = "business"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeIntegrity  ErrorType = "integrity"
	ErrorTypeThreat     ErrorType = "threat"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewBusinessError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// NewInvalidRuleConfigError reports a rule whose configuration failed
// validation. Registration must refuse such rules.
func NewInvalidRuleConfigError(ruleName, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       "INVALID_RULE_CONFIG",
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
		Details:    map[string]interface{}{"rule_name": ruleName},
	}
}

// NewRuleTimeoutError reports a rule evaluation that exceeded its deadline.
func NewRuleTimeoutError(ruleID string) *AppError {
	return &AppError{
		Type:       ErrorTypeThreat,
		Code:       "RULE_TIMEOUT",
		Message:    fmt.Sprintf("rule %s exceeded evaluation deadline", ruleID),
		Retryable:  false,
		StatusCode: 500,
		Details:    map[string]interface{}{"rule_id": ruleID},
	}
}

// NewRuleError reports a rule evaluation failure. Failures are isolated,
// other rules still run.
func NewRuleError(ruleID string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeThreat,
		Code:       "RULE_ERROR",
		Message:    fmt.Sprintf("rule %s evaluation failed", ruleID),
		Cause:      cause,
		Retryable:  false,
		StatusCode: 500,
		Details:    map[string]interface{}{"rule_id": ruleID},
	}
}

func NewEnqueueFailedError(cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "ENQUEUE_FAILED",
		Message:    "failed to enqueue job",
		Cause:      cause,
		Retryable:  true,
		StatusCode: 503,
	}
}

func NewJobFailedError(jobKind string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "JOB_FAILED",
		Message:    fmt.Sprintf("%s job failed", jobKind),
		Cause:      cause,
		Retryable:  true,
		StatusCode: 500,
		Details:    map[string]interface{}{"job_kind": jobKind},
	}
}

// NewChainBrokenError reports a hash chain integrity violation. The message
// carries the verification failure verbatim.
func NewChainBrokenError(message string, sequence uint64) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       "CHAIN_BROKEN",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
		Details:    map[string]interface{}{"sequence": sequence},
	}
}

func NewArchiveFailedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "ARCHIVE_FAILED",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewStoreUnavailableError(cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "STORE_UNAVAILABLE",
		Message:    "log store unavailable",
		Cause:      cause,
		Retryable:  true,
		StatusCode: 503,
	}
}

// Predefined common errors
var (
	ErrInvalidInput  = NewValidationError("INVALID_INPUT", "Invalid input provided")
	ErrRuleNotFound  = NewNotFoundError("rule")
	ErrEntryNotFound = NewNotFoundError("log entry")
	ErrQueueClosed   = NewBusinessError("QUEUE_CLOSED", "Queue is shut down")
	ErrEmptyBatch    = NewValidationError("EMPTY_BATCH", "Batch contains no events")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCode wraps an error and returns an AppError with the given code
func WrapWithCode(err error, code, message string) *AppError {
	appErr := NewInternalError(message).WithCause(err)
	appErr.Code = code
	return appErr
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsCode checks if an error carries a specific code
func IsCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
