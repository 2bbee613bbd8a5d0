package reqshield

import (
	"fmt"
	"net/http"
)

// Security error codes as constants
const (
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeThreatDetected    = "threat_detected"
	ErrorCodeVerificationFail  = "verification_failed"
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeServerError       = "server_error"
)

// SecurityError represents a request rejection surfaced to HTTP clients
type SecurityError struct {
	Code        string // Machine-readable error code (e.g., "rate_limit_exceeded")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *SecurityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewSecurityError creates a new security error
func NewSecurityError(code, description string, status int) *SecurityError {
	return &SecurityError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common security errors as reusable constructors
var (
	// ErrRateLimitExceeded indicates the source exhausted its request budget
	ErrRateLimitExceeded = func(desc string) *SecurityError {
		return NewSecurityError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrThreatDetected indicates request content matched the threat catalog
	ErrThreatDetected = func(desc string) *SecurityError {
		return NewSecurityError(ErrorCodeThreatDetected, desc, http.StatusForbidden)
	}

	// ErrVerificationFailed indicates the zero-trust checks denied the request
	ErrVerificationFailed = func(desc string) *SecurityError {
		return NewSecurityError(ErrorCodeVerificationFail, desc, http.StatusForbidden)
	}

	// ErrInvalidRequest indicates the request is malformed
	ErrInvalidRequest = func(desc string) *SecurityError {
		return NewSecurityError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal error occurred
	ErrServerError = func(desc string) *SecurityError {
		return NewSecurityError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
