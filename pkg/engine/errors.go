package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion at the provider.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a concurrent modification or a violated limit.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeQuotaExceeded    = "QUOTA_EXCEEDED"
	ErrCodeLimitExceeded    = "LIMIT_EXCEEDED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDecryptFailed    = "DECRYPT_FAILED"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeUnreachable      = "UNREACHABLE"
	ErrCodeForeignEndpoint  = "FOREIGN_ENDPOINT"
	ErrCodeRejected         = "REJECTED"
	ErrCodeQueueFull        = "QUEUE_FULL"
)

// Sentinel errors. They compare by class and code, so a decorated copy
// (with resource or operation context) still matches errors.Is.
var (
	ErrNotFound         = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "not found"}
	ErrVersionConflict  = &EngineError{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: "version conflict"}
	ErrLimitExceeded    = &EngineError{Class: ErrorClassConflict, Code: ErrCodeLimitExceeded, Message: "instance limit exceeded"}
	ErrResourceNotFound = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound, Message: "provider resource not found"}
	ErrQueueFull        = &EngineError{Class: ErrorClassThrottled, Code: ErrCodeQueueFull, Message: "provisioning queue is full"}
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Field names the offending request field for validation errors.
	Field string `json:"field,omitempty"`

	// Resource is the instance or provider resource that caused the error.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field=%s)", e.Field)
	}
	if e.Resource != "" && e.Operation != "" {
		msg += fmt.Sprintf(" (resource=%s, operation=%s)", e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// clone returns a shallow copy so sentinels are never mutated by With* helpers.
func (e *EngineError) clone() *EngineError {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewValidationError creates a validation error referencing the offending field.
func NewValidationError(field, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeValidation,
		Field:   field,
		Message: message,
	}
}

// NewDecryptError reports a secret that could not be unsealed.
func NewDecryptError(what string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeDecryptFailed,
		Message: "failed to decrypt " + what,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	c := e.clone()
	c.Resource = resourceID
	return c
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	c := e.clone()
	c.Operation = operation
	return c
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	c := e.clone()
	c.Code = code
	return c
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]interface{})
	}
	c.Details[key] = value
	return c
}

// Wrap attaches an underlying cause.
func (e *EngineError) Wrap(err error) *EngineError {
	c := e.clone()
	c.Err = err
	return c
}

// AsEngineError extracts the first EngineError in err's chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the error code of err, or ErrCodeInternal when err is unclassified.
func CodeOf(err error) string {
	if e, ok := AsEngineError(err); ok && e.Code != "" {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	for err != nil {
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Err
			continue
		}
		return false
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsNotFound reports whether err is a registry or provider not-found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
