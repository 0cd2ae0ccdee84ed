package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Kind classifies a provider failure for retry and surfacing decisions.
type Kind string

const (
	KindRateLimit     Kind = "rate_limit"
	KindContextLength Kind = "context_length"
	KindAuth          Kind = "auth"
	KindTransport     Kind = "transport"
	KindInvalid       Kind = "invalid_request"
	KindTimeout       Kind = "timeout"
	KindUnknown       Kind = "unknown"
)

// Error wraps a vendor failure with its classification.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(providerName string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Provider: providerName, Err: err}
}

// KindOf extracts the classification of err, defaulting to unknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	return KindUnknown
}

// Retryable reports whether the failure class is transient.
// Context-length, auth, and invalid-request failures never retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}

// classifyHTTP maps an HTTP status code to an error kind.
func classifyHTTP(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status == 400 || status == 404 || status == 422:
		return KindInvalid
	case status >= 500:
		return KindTransport
	default:
		return KindUnknown
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
