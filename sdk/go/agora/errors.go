// Package agora provides a Go client for the Agora debate API.
package agora

import (
	"errors"
	"fmt"
)

// Error represents an error from the Agora API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agora: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsInvalidInput returns true if the error is a 400.
func IsInvalidInput(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}

// IsConflict returns true if the error is a 409. The server answers 409
// when a lifecycle transition is not allowed, for example starting a
// debate that is already running or resuming past a critical cost pause
// without the override flag.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsNotImplemented returns true if the error is a 501. Transcript search
// answers 501 when the server runs without an embedding provider.
func IsNotImplemented(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 501
	}
	return false
}
