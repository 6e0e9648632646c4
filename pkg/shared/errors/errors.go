// Package errors wraps infrastructure failures (database, network, config,
// validation) in a consistent shape. It is not used for the append
// state-machine's domain errors — see pkg/shared/errors/apperror.go for that.
package errors

import "fmt"

// OperationError describes an infrastructure failure: what was being done,
// which component was doing it, which resource was involved, and what the
// underlying cause was.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	msg := "failed to " + e.Operation
	if e.Component != "" {
		msg += ", component: " + e.Component
	}
	if e.Resource != "" {
		msg += ", resource: " + e.Resource
	}
	if e.Cause != nil {
		msg += ", cause: " + e.Cause.Error()
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a minimal OperationError carrying only the action and its cause.
func FailedTo(action string, cause error) error {
	return &OperationError{Operation: action, Cause: cause}
}

// FailedToWithDetails builds an OperationError with component and resource context.
func FailedToWithDetails(action, component, resource string, cause error) error {
	return &OperationError{Operation: action, Component: component, Resource: resource, Cause: cause}
}

// Wrapf adds formatted context ahead of err's message. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// DatabaseError wraps a database operation failure.
func DatabaseError(action string, cause error) error {
	return FailedToWithDetails(action, "database", "", cause)
}

// NetworkError wraps an outbound network call failure (e.g. webhook delivery).
func NetworkError(action, endpoint string, cause error) error {
	return FailedToWithDetails(action, "network", endpoint, cause)
}

// ValidationError describes a single field-level validation failure.
type fieldError struct {
	Field  string
	Reason string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Reason)
}

func ValidationError(field, reason string) error {
	return &fieldError{Field: field, Reason: reason}
}

// ConfigurationError describes an invalid or missing configuration key.
type configError struct {
	Key    string
	Reason string
}

func (e *configError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Key, e.Reason)
}

func ConfigurationError(key, reason string) error {
	return &configError{Key: key, Reason: reason}
}
