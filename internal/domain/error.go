package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidTransition  = errors.New("invalid payment state transition")
	ErrPaymentTerminal    = errors.New("payment is in a terminal state")
	ErrAlreadyRefunded    = errors.New("payment already refunded")
	ErrSignatureMismatch  = errors.New("gateway signature mismatch")
	ErrRequestInProgress  = errors.New("request with this idempotency key is in progress")
	ErrLockNotAcquired    = errors.New("lock not acquired")
	ErrOperationFailed    = errors.New("database operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid database execution context")
)

// ConfigurationError reports a missing or unusable setting. It is never retried.
type ConfigurationError struct {
	Key string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s is not set", e.Key)
}

// ValidationError rejects input before any mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// NewValidationError is a shorthand used across the use cases.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// GatewayError is the single shape of every remote gateway failure. Message carries the
// remote description verbatim; Raw keeps the undecoded body for operators.
type GatewayError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Raw        string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s failed (http %d, %s): %s", e.Op, e.StatusCode, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("gateway %s failed: %s", e.Op, e.Message)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether a fresh user action may succeed: transport failures and 5xx.
func (e *GatewayError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}
