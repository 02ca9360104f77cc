/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package restapi

import (
	"fmt"
	"net/http"
)

// Error represents an error that is sent to a client in the response body.
// The "error" field is a stable machine-readable kind (HTTP status text),
// "message" carries human-readable details, "retryAfter" (seconds) is set
// only for responses the client is expected to retry later (429, 503).
type Error struct {
	Err        string `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Error messages.
// We are using "var" here because services may want to use different texts.
var (
	ErrMessageInternal           = "Internal error."
	ErrMessageNotFound           = "Not found."
	ErrMessageMethodNotAllowed   = "Method not allowed."
	ErrMessageTooManyRequests    = "Too many requests."
	ErrMessageServiceUnavailable = "Service temporarily unavailable."
)

// NewError creates a new Error with the specified kind and message.
func NewError(errKind, message string) *Error {
	return &Error{Err: errKind, Message: message}
}

// NewErrorFromStatus creates a new Error whose kind is the standard status text of the passed HTTP code.
func NewErrorFromStatus(httpStatusCode int, message string) *Error {
	return &Error{Err: http.StatusText(httpStatusCode), Message: message}
}

// NewInternalError creates a new Error for responding HTTP 500.
func NewInternalError() *Error {
	return NewErrorFromStatus(http.StatusInternalServerError, ErrMessageInternal)
}

// NewTooManyRequestsError creates a new Error for responding HTTP 429.
// retryAfterSecs is mirrored in the body so that clients not parsing headers still see it.
func NewTooManyRequestsError(message string, retryAfterSecs int) *Error {
	err := NewErrorFromStatus(http.StatusTooManyRequests, message)
	err.RetryAfter = retryAfterSecs
	return err
}

// NewServiceUnavailableError creates a new Error for responding HTTP 503.
func NewServiceUnavailableError(message string, retryAfterSecs int) *Error {
	err := NewErrorFromStatus(http.StatusServiceUnavailable, message)
	err.RetryAfter = retryAfterSecs
	return err
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Err
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Message)
}
