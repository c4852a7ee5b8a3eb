package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypePolicyUnavailable      ErrorType = "policy_unavailable"
	ErrorTypeLedgerWriteFailed      ErrorType = "ledger_write_failed"
	ErrorTypeInvalidOverride        ErrorType = "invalid_override"
	ErrorTypeConcurrentModification ErrorType = "concurrent_modification"
	ErrorTypeNotFound               ErrorType = "not_found"
	ErrorTypeValidation             ErrorType = "validation"
	ErrorTypeUnauthorized           ErrorType = "unauthorized"
	ErrorTypeForbidden              ErrorType = "forbidden"
	ErrorTypeInternal               ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the caller may retry the operation as-is
func (e *DomainError) Retryable() bool {
	switch e.Type {
	case ErrorTypePolicyUnavailable, ErrorTypeLedgerWriteFailed, ErrorTypeConcurrentModification:
		return true
	}
	return false
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. Compare with errors.Is; never mutate them.

var (
	// Infrastructure Errors (fail closed)
	ErrPolicyUnavailable      = NewDomainError(ErrorTypePolicyUnavailable, "policy information unavailable", nil)
	ErrLedgerWriteFailed      = NewDomainError(ErrorTypeLedgerWriteFailed, "usage ledger write failed", nil)
	ErrConcurrentModification = NewDomainError(ErrorTypeConcurrentModification, "concurrent modification of usage record", nil)

	// Override Errors
	ErrInvalidOverride = NewDomainError(ErrorTypeInvalidOverride, "invalid override", nil)

	// Not Found Errors
	ErrPolicyNotFound   = NewDomainError(ErrorTypeNotFound, "policy not found", nil)
	ErrLearnerNotFound  = NewDomainError(ErrorTypeNotFound, "learner not found", nil)
	ErrOverrideNotFound = NewDomainError(ErrorTypeNotFound, "override not found", nil)

	// Validation Errors
	ErrInvalidInput        = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidPolicyConfig = NewDomainError(ErrorTypeValidation, "invalid policy configuration", nil)
	ErrInvalidSchedule     = NewDomainError(ErrorTypeValidation, "invalid availability schedule", nil)
	ErrInvalidDuration     = NewDomainError(ErrorTypeValidation, "activity duration must not be negative", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrForbidden    = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)

	// Internal Errors
	ErrInternal      = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError = NewDomainError(ErrorTypeInternal, "database error", nil)
)

// Helper functions for error type checking

// IsPolicyUnavailableError checks if an error is a policy unavailable error
func IsPolicyUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypePolicyUnavailable
}

// IsLedgerWriteError checks if an error is a ledger write failure
func IsLedgerWriteError(err error) bool {
	return GetErrorType(err) == ErrorTypeLedgerWriteFailed
}

// IsInvalidOverrideError checks if an error is an invalid override error
func IsInvalidOverrideError(err error) bool {
	return GetErrorType(err) == ErrorTypeInvalidOverride
}

// IsConcurrentModificationError checks if an error is an optimistic concurrency conflict
func IsConcurrentModificationError(err error) bool {
	return GetErrorType(err) == ErrorTypeConcurrentModification
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// IsRetryable reports whether err is a transient infrastructure failure
func IsRetryable(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Retryable()
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// AsDomainError returns the first DomainError in err's chain, or nil
func AsDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	return nil
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapPolicyUnavailable wraps a policy lookup failure
func WrapPolicyUnavailable(message string, err error) error {
	return NewDomainError(ErrorTypePolicyUnavailable, message, err)
}

// WrapLedgerWrite wraps a failed or timed-out ledger write
func WrapLedgerWrite(message string, err error) error {
	return NewDomainError(ErrorTypeLedgerWriteFailed, message, err)
}

// InvalidOverride builds a rejection for an override request
func InvalidOverride(message string) *DomainError {
	return NewDomainError(ErrorTypeInvalidOverride, message, nil)
}
