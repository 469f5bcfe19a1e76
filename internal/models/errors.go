package models

import (
	"fmt"
	"time"
)

// Error codes carried by APIError. RateLimitWait is deliberately absent: the
// limiter defers requests internally and never surfaces a wait as a failure.
const (
	CodeNetwork     = "NETWORK_ERROR"
	CodeTimeout     = "TIMEOUT"
	CodeBadResponse = "BAD_RESPONSE"
)

// APIError is the structured failure surfaced by the REST client and stored
// in a service's loading state. UI collaborators observe it through the
// loading-state subscription, never as a panic or a bare error string.
type APIError struct {
	Message   string
	Code      string
	Endpoint  string
	Timestamp time.Time
}

func (e *APIError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError stamps a structured error with the current time.
func NewAPIError(code, endpoint, message string) *APIError {
	return &APIError{
		Message:   message,
		Code:      code,
		Endpoint:  endpoint,
		Timestamp: time.Now(),
	}
}

// AsAPIError normalizes an arbitrary error into an APIError, preserving an
// existing one untouched.
func AsAPIError(err error, endpoint string) *APIError {
	if err == nil {
		return nil
	}
	if api, ok := err.(*APIError); ok {
		return api
	}
	return NewAPIError(CodeNetwork, endpoint, err.Error())
}
