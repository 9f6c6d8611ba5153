package errors

import (
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context, creating a GateError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *GateError {
	if err == nil {
		return nil
	}

	var ge *GateError
	if errors.As(err, &ge) {
		return &GateError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       ge,
			Context:     ge.Context,
			Component:   ge.Component,
			Recoverable: ge.Recoverable,
		}
	}

	return &GateError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType == ErrorTypeValidation || errType == ErrorTypeNetwork,
	}
}

// WrapSecurity wraps an error as a security error (non-recoverable)
func WrapSecurity(err error, code, message string) *GateError {
	gateErr := Wrap(err, ErrorTypeSecurity, code, message)
	if gateErr != nil {
		gateErr.Recoverable = false
	}
	return gateErr
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, code, message string) *GateError {
	return Wrap(err, ErrorTypeConfig, code, message)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(err error, code, message string) *GateError {
	gateErr := Wrap(err, ErrorTypeInternal, code, message)
	if gateErr != nil {
		gateErr.Recoverable = false
	}
	return gateErr
}

// ConfigurationError creates configuration-related errors
func ConfigurationError(setting, message string, value interface{}) *GateError {
	return NewConfigError(
		ErrCodeConfigInvalid,
		fmt.Sprintf("invalid configuration for %s: %s", setting, message),
	).WithContext("setting", setting).WithContext("value", value)
}

// WebSocketError creates WebSocket-related errors
func WebSocketError(operation, connectionID, message string, cause error) *GateError {
	return NewNetworkError("ERR_WEBSOCKET_"+operation, fmt.Sprintf("websocket %s failed: %s", operation, message), cause).
		WithContext("connection_id", connectionID)
}

// GetRootCause returns the deepest underlying error in the chain
func GetRootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// GetErrorChain returns all errors in the chain from outermost to innermost
func GetErrorChain(err error) []error {
	var chain []error
	for err != nil {
		chain = append(chain, err)
		err = errors.Unwrap(err)
	}
	return chain
}

// HasErrorCode checks if any error in the chain has the specified code
func HasErrorCode(err error, code string) bool {
	for _, e := range GetErrorChain(err) {
		if ge, ok := e.(*GateError); ok && ge.Code == code {
			return true
		}
	}
	return false
}

// HasErrorType checks if any error in the chain has the specified type
func HasErrorType(err error, errType ErrorType) bool {
	for _, e := range GetErrorChain(err) {
		if ge, ok := e.(*GateError); ok && ge.Type == errType {
			return true
		}
	}
	return false
}
