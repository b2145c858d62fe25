package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrNoConnection is returned when a tenant has no active QuickBooks connection.
var ErrNoConnection = errors.New("no active quickbooks connection")

// ErrInvalidState is returned when an OAuth state token is unknown, expired or reused.
// Callers must treat this as a potential replay/CSRF attempt and log a security event.
var ErrInvalidState = errors.New("invalid or expired oauth state")

// ConfigurationError means required provider credentials or environment are
// missing. Fatal for the affected integration; never retried.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Setting != "" {
		return fmt.Sprintf("configuration error (%s): %s", e.Setting, e.Message)
	}
	return "configuration error: " + e.Message
}

func NewConfigurationError(setting, message string) *ConfigurationError {
	return &ConfigurationError{Setting: setting, Message: message}
}

// AuthorizationError covers invalid/expired/revoked credentials, OAuth state
// failures and webhook signature mismatches. Not retryable; requires
// re-authorization or flags a security event.
type AuthorizationError struct {
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization error: %s: %v", e.Reason, e.Err)
	}
	return "authorization error: " + e.Reason
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// TransientError wraps connection resets, timeouts, 429 and 5xx responses.
// Retryable with exponential backoff up to the configured maximum.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is isolated to a single record; it never aborts sibling
// records unless the sync is configured to stop on first error.
type ValidationError struct {
	Field   string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s (%s): %s", e.Field, e.Rule, e.Message)
}

// IntegrityError is unexpected internal state (e.g. batch counts exceeding
// totals). Fatal to the current sync session; never retried automatically.
type IntegrityError struct {
	Message string
}

func (e *IntegrityError) Error() string { return "integrity error: " + e.Message }

// IsRetryable reports whether err should be retried with backoff.
// Authorization and configuration problems short-circuit retry loops.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return true
	}
	var ae *AuthorizationError
	if errors.As(err, &ae) {
		return false
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return false
	}
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return false
	}
	return false
}
