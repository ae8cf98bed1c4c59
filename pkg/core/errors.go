package core

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes engine errors.
type ErrorKind string

const (
	ErrCredentialMissing  ErrorKind = "credential_missing"
	ErrCredentialInvalid  ErrorKind = "credential_invalid"
	ErrConnectionTimeout  ErrorKind = "connection_timeout"
	ErrNetworkUnavailable ErrorKind = "network_unavailable"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrServerError        ErrorKind = "server_error"
	ErrTransport          ErrorKind = "transport_error"
	ErrDeviceUnavailable  ErrorKind = "device_unavailable"
)

// Error is the typed error surfaced by the voice engine.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Code    int       `json:"code,omitempty"` // websocket close code, when known
	Err     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (close code %d)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the capped reconnection sequence may retry after
// this error. Credential and device errors require user action first.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrConnectionTimeout, ErrNetworkUnavailable, ErrRateLimited, ErrServerError, ErrTransport:
		return true
	default:
		return false
	}
}

// NewCredentialMissingError creates a credential-missing error.
func NewCredentialMissingError(message string) *Error {
	return &Error{Kind: ErrCredentialMissing, Message: message}
}

// NewCredentialInvalidError creates a credential-invalid error.
func NewCredentialInvalidError(message string) *Error {
	return &Error{Kind: ErrCredentialInvalid, Message: message}
}

// NewConnectionTimeoutError creates a connection-timeout error.
func NewConnectionTimeoutError(message string, err error) *Error {
	return &Error{Kind: ErrConnectionTimeout, Message: message, Err: err}
}

// NewNetworkUnavailableError creates a network-unavailable error.
func NewNetworkUnavailableError(message string, err error) *Error {
	return &Error{Kind: ErrNetworkUnavailable, Message: message, Err: err}
}

// NewRateLimitedError creates a rate-limited error.
func NewRateLimitedError(message string) *Error {
	return &Error{Kind: ErrRateLimited, Message: message}
}

// NewServerError creates a generic server error.
func NewServerError(message string) *Error {
	return &Error{Kind: ErrServerError, Message: message}
}

// NewTransportError creates a transport-level error.
func NewTransportError(message string, err error) *Error {
	return &Error{Kind: ErrTransport, Message: message, Err: err}
}

// NewDeviceUnavailableError creates a device-unavailable error.
func NewDeviceUnavailableError(message string, err error) *Error {
	return &Error{Kind: ErrDeviceUnavailable, Message: message, Err: err}
}

// AsError returns err as a *core.Error, wrapping it as a transport error when
// it is not one already.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: ErrTransport, Message: err.Error(), Err: err}
}
