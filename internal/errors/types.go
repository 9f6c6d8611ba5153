// Package errors provides the structured error type shared by livegate
// components. Gate rejections are ordinary return values, so these errors
// only carry faults, configuration problems, and rejections that a caller
// has decided to propagate (admin API, CLI).
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeSecurity   ErrorType = "security"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
)

// GateError is a structured error type with context.
type GateError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	Recoverable bool
}

// Error implements the error interface.
func (e *GateError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Component != "" {
		parts = append(parts, "component:"+e.Component)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *GateError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *GateError) Is(target error) bool {
	var t *GateError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *GateError) WithContext(key string, value interface{}) *GateError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithComponent adds component context.
func (e *GateError) WithComponent(component string) *GateError {
	e.Component = component

	return e
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *GateError {
	return &GateError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewSecurityError creates a security error.
func NewSecurityError(code, message string) *GateError {
	return &GateError{
		Type:        ErrorTypeSecurity,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewNetworkError creates a network error.
func NewNetworkError(code, message string, cause error) *GateError {
	return &GateError{
		Type:        ErrorTypeNetwork,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *GateError {
	return &GateError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *GateError {
	return &GateError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsSecurityError checks if an error is security-related.
func IsSecurityError(err error) bool {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Type == ErrorTypeSecurity
	}

	return false
}

// IsConfigError checks if an error is configuration-related.
func IsConfigError(err error) bool {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge.Type == ErrorTypeConfig
	}

	return false
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger Logger
}

// Logger interface for error logging.
type Logger interface {
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// Handle logs an error at a level matching its type.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil || h.logger == nil {
		return
	}

	var ge *GateError
	if !errors.As(err, &ge) {
		h.logger.Error(ctx, err, "Unhandled error occurred")
		return
	}

	switch ge.Type {
	case ErrorTypeValidation, ErrorTypeNetwork:
		h.logger.Warn(ctx, ge, "Recoverable error occurred",
			"type", ge.Type,
			"code", ge.Code,
			"component", ge.Component)
	default:
		h.logger.Error(ctx, ge, "Error occurred",
			"type", ge.Type,
			"code", ge.Code,
			"component", ge.Component)
	}
}

// Common error codes.
const (
	ErrCodeInvalidOrigin     = "ERR_INVALID_ORIGIN"
	ErrCodeRateLimited       = "ERR_RATE_LIMITED"
	ErrCodeBlocked           = "ERR_BLOCKED"
	ErrCodePayloadRejected   = "ERR_PAYLOAD_REJECTED"
	ErrCodeUnauthorized      = "ERR_UNAUTHORIZED"
	ErrCodeConfigInvalid     = "ERR_CONFIG_INVALID"
	ErrCodeInternalError     = "ERR_INTERNAL"
	ErrCodeValidationFailed  = "ERR_VALIDATION_FAILED"
	ErrCodeIdentityTimeout   = "ERR_IDENTITY_TIMEOUT"
	ErrCodeStoreUnavailable  = "ERR_STORE_UNAVAILABLE"
	ErrCodeConnectionClosed  = "ERR_CONNECTION_CLOSED"
	ErrCodeSubscriptionLimit = "ERR_SUBSCRIPTION_LIMIT"
	ErrCodeListenFailed      = "ERR_LISTEN_FAILED"
)

// ErrInvalidOrigin creates an invalid origin security error.
func ErrInvalidOrigin(origin string) *GateError {
	return NewSecurityError(ErrCodeInvalidOrigin, "invalid origin: "+origin)
}
