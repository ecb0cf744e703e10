// Package errors defines the error kinds surfaced by the registry's
// business operations and their HTTP mapping.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AtlasError is an error that can be returned to clients.
type AtlasError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *AtlasError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (e *AtlasError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as a JSON body with its status code.
func (e *AtlasError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}

// Base error kinds. Referenced entities that do not exist map to
// NotFound; referential-integrity and gateway-role violations map to
// BadRequest; a non-gateway caller on the gateway surface maps to
// Forbidden. Anything else is Internal with the cause elided from the
// response body.
var (
	ErrNotFound = &AtlasError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrBadRequest = &AtlasError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrForbidden = &AtlasError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrInternal = &AtlasError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// New creates a new AtlasError.
func New(code int, message string) *AtlasError {
	return &AtlasError{Code: code, Message: message}
}

// Wrap attaches an underlying cause to a new AtlasError.
func Wrap(err error, code int, message string) *AtlasError {
	return &AtlasError{Code: code, Message: message, underlying: err}
}

// NotFound builds a 404 with a formatted detail string.
func NotFound(format string, args ...any) *AtlasError {
	return ErrNotFound.WithDetails(fmt.Sprintf(format, args...))
}

// BadRequest builds a 400 with a formatted detail string.
func BadRequest(format string, args ...any) *AtlasError {
	return ErrBadRequest.WithDetails(fmt.Sprintf(format, args...))
}

// Forbidden builds a 403 with a formatted detail string.
func Forbidden(format string, args ...any) *AtlasError {
	return ErrForbidden.WithDetails(fmt.Sprintf(format, args...))
}

// WithDetails returns a copy of the error with details attached.
func (e *AtlasError) WithDetails(details string) *AtlasError {
	return &AtlasError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// IsAtlasError checks whether an error carries an HTTP mapping.
func IsAtlasError(err error) (*AtlasError, bool) {
	if ae, ok := err.(*AtlasError); ok {
		return ae, true
	}
	return nil, false
}
