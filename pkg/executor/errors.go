package executor

import (
	"errors"
	"fmt"
)

// Common executor errors that can be checked with errors.Is().
var (
	// ErrNoCredential is returned when neither an override credential nor a
	// personal credential is available.
	ErrNoCredential = errors.New("no credential available")

	// ErrNoServerSelected is returned when the session has no routing
	// state. A server must be selected at login or via change-server.
	ErrNoServerSelected = errors.New("no server selected")

	// ErrRemoteCallFailed is an application-level error response from the
	// proxy. Never retried by the executor.
	ErrRemoteCallFailed = errors.New("remote call failed")

	// ErrNetworkFailure is a network-level failure: the connection could
	// not be established or completed. Triggers one failover retry.
	ErrNetworkFailure = errors.New("network failure")
)

// RemoteError is a non-2xx or malformed response from the proxy. It carries
// the server-provided message when one could be parsed.
type RemoteError struct {
	// Service is the generation service that failed.
	Service Service

	// StatusCode is the HTTP status, zero when the response never arrived.
	StatusCode int

	// Message is the server-provided error message, or a generic one
	// including the status.
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return e.Message
}

// Is implements error matching for errors.Is().
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteCallFailed
}

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	// Service is the generation service that failed.
	Service Service

	// Server is the proxy server that could not be reached.
	Server string

	// Cause is the underlying transport error.
	Cause error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure reaching %s: %v", e.Server, e.Cause)
}

// Is implements error matching for errors.Is().
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetworkFailure
}

// Unwrap returns the wrapped error for error chain traversal.
func (e *NetworkError) Unwrap() error {
	return e.Cause
}
