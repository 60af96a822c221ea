package api

import (
	"errors"
	"fmt"
)

// Error codes form the stable machine-readable half of every public failure.
// The human-readable half is carried in the error message; user-visible
// messages are Chinese, matching the original UI and logs.
const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeNotConnected   = "NOT_CONNECTED"
	CodeNotInitialized = "NOT_INITIALIZED"
	CodeNotImplemented = "NOT_IMPLEMENTED"
	CodeConfiguration  = "CONFIG_ERROR"
	CodeTransport      = "TRANSPORT_ERROR"
)

// NotFoundError represents a resource not found error with contextual information.
// It is returned whenever a tool, service or endpoint is looked up by name and
// does not exist.
type NotFoundError struct {
	// ResourceType categorizes the type of resource that was not found
	// (e.g., "tool", "service", "endpoint", "custom tool")
	ResourceType string

	// ResourceName is the specific identifier of the resource that was not found
	ResourceName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// Code returns the stable machine code for this error kind.
func (e *NotFoundError) Code() string { return CodeNotFound }

// NewNotFoundError creates a new NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// IsNotFound checks if an error is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// ValidationError represents structurally invalid caller input: malformed
// JSON-RPC, arguments failing a tool's inputSchema, or an invalid admin
// payload. Validation errors are surfaced to the caller and never logged at
// error level.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Code returns the stable machine code for this error kind.
func (e *ValidationError) Code() string { return CodeValidation }

// NewValidationError creates a new ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidation checks if an error is or wraps a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// ConflictError represents a name collision, e.g. adding a custom tool whose
// name is already taken.
type ConflictError struct {
	ResourceType string
	ResourceName string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already exists", e.ResourceType, e.ResourceName)
}

// Code returns the stable machine code for this error kind.
func (e *ConflictError) Code() string { return CodeConflict }

// NewConflictError creates a new ConflictError for the given resource.
func NewConflictError(resourceType, resourceName string) *ConflictError {
	return &ConflictError{ResourceType: resourceType, ResourceName: resourceName}
}

// IsConflict checks if an error is or wraps a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// NotConnectedError is returned when an operation requires a live connection
// that the component does not currently have.
type NotConnectedError struct {
	Component string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s is not connected", e.Component)
}

// Code returns the stable machine code for this error kind.
func (e *NotConnectedError) Code() string { return CodeNotConnected }

// NewNotConnectedError creates a new NotConnectedError for the given component.
func NewNotConnectedError(component string) *NotConnectedError {
	return &NotConnectedError{Component: component}
}

// IsNotConnected checks if an error is or wraps a NotConnectedError.
func IsNotConnected(err error) bool {
	var e *NotConnectedError
	return errors.As(err, &e)
}

// NotInitializedError is returned when a component method is invoked before
// the component's prerequisite initialization.
type NotInitializedError struct {
	Component string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("%s is not initialized", e.Component)
}

// Code returns the stable machine code for this error kind.
func (e *NotInitializedError) Code() string { return CodeNotInitialized }

// NewNotInitializedError creates a new NotInitializedError for the given component.
func NewNotInitializedError(component string) *NotInitializedError {
	return &NotInitializedError{Component: component}
}

// IsNotInitialized checks if an error is or wraps a NotInitializedError.
func IsNotInitialized(err error) bool {
	var e *NotInitializedError
	return errors.As(err, &e)
}

// NotImplementedError is returned for reserved functionality, currently only
// custom tools of handler kind "function".
type NotImplementedError struct {
	Feature string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s is not implemented", e.Feature)
}

// Code returns the stable machine code for this error kind.
func (e *NotImplementedError) Code() string { return CodeNotImplemented }

// NewNotImplementedError creates a new NotImplementedError for the given feature.
func NewNotImplementedError(feature string) *NotImplementedError {
	return &NotImplementedError{Feature: feature}
}

// IsNotImplemented checks if an error is or wraps a NotImplementedError.
func IsNotImplemented(err error) bool {
	var e *NotImplementedError
	return errors.As(err, &e)
}

// ConfigurationError represents a bad or incomplete configuration: a missing
// required transport field, a bad token or malformed JSON. Configuration
// errors are surfaced to the admin but never bring down running services.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Code returns the stable machine code for this error kind.
func (e *ConfigurationError) Code() string { return CodeConfiguration }

// NewConfigurationError creates a new ConfigurationError with a formatted message.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// IsConfiguration checks if an error is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}

// TransportError represents a transient transport failure: a failed connect,
// read/write error or ping timeout. It drives the reconnect state machine and
// is not surfaced to upstream tools/call unless retries are exhausted.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Code returns the stable machine code for this error kind.
func (e *TransportError) Code() string { return CodeTransport }

// NewTransportError wraps err as a TransportError for the given operation.
func NewTransportError(operation string, err error) *TransportError {
	return &TransportError{Operation: operation, Err: err}
}

// IsTransport checks if an error is or wraps a TransportError.
func IsTransport(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

// Coder is implemented by every error kind in this package.
type Coder interface {
	error
	Code() string
}

// ErrorCode extracts the stable machine code from an error. Errors outside
// the taxonomy map to the empty string.
func ErrorCode(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}
