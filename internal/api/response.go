// Package api defines the uniform JSON envelope every endpoint
// returns, successes and failures alike. Failure bodies carry a
// machine-readable error type tag and optional details, never a stack
// trace.
package api

import (
	"encoding/json"

	"github.com/labstack/echo/v4"
)

// Error type tags used across handlers and middleware.
const (
	TypeValidationError = "ValidationError"
	TypeNotFound        = "NotFound"
	TypeUnauthorized    = "Unauthorized"
	TypeForbidden       = "Forbidden"
	TypeConflict        = "Conflict"
	TypeThrottled       = "Throttled"
	TypeServerError     = "ServerError"
)

// ErrorBody describes a failure inside the envelope.
type ErrorBody struct {
	Type    string `json:"type"`
	Details any    `json:"details,omitempty"`
}

// Envelope is the uniform response shape: {success, message, error?, ...payload}.
type Envelope struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Error   *ErrorBody     `json:"error,omitempty"`
	Payload map[string]any `json:"-"`
}

// MarshalJSON flattens Payload keys next to the fixed fields so
// handlers can attach "user", "tokens" and similar members at the top
// level of the response, matching the envelope in the API contract.
func (e Envelope) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"success": e.Success,
		"message": e.Message,
	}
	if e.Error != nil {
		m["error"] = e.Error
	}
	for k, v := range e.Payload {
		m[k] = v
	}
	return json.Marshal(m)
}

// OK writes a success envelope with the given status and optional
// payload members.
func OK(c echo.Context, status int, message string, payload map[string]any) error {
	return c.JSON(status, Envelope{Success: true, Message: message, Payload: payload})
}

// Fail writes a failure envelope with a type tag and optional details.
func Fail(c echo.Context, status int, errType, message string, details any) error {
	return c.JSON(status, Envelope{
		Success: false,
		Message: message,
		Error:   &ErrorBody{Type: errType, Details: details},
	})
}
