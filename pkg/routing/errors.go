package routing

import (
	"errors"
	"fmt"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrNoEligibleServers is returned when the catalog has no servers for
	// the user's tier. A configuration error, not a transient one.
	ErrNoEligibleServers = errors.New("no eligible servers")

	// ErrServerNotEligible is returned when a manual choice names a server
	// outside the user's eligible set.
	ErrServerNotEligible = errors.New("server not eligible for user")

	// ErrNoAlternateServer is returned when failover needs a different
	// server and none exists.
	ErrNoAlternateServer = errors.New("no alternate server available")
)

// NoEligibleServersError is returned when eligibility filtering leaves the
// user with nothing to route to.
type NoEligibleServersError struct {
	// UserID is the affected user.
	UserID string

	// Cause is the underlying catalog error.
	Cause error
}

// Error implements the error interface.
func (e *NoEligibleServersError) Error() string {
	return fmt.Sprintf("no eligible servers for user %q: %v", e.UserID, e.Cause)
}

// Is implements error matching for errors.Is().
func (e *NoEligibleServersError) Is(target error) bool {
	return target == ErrNoEligibleServers
}

// Unwrap returns the wrapped error for error chain traversal.
func (e *NoEligibleServersError) Unwrap() error {
	return e.Cause
}

// ServerNotEligibleError is returned when a manually chosen server is not in
// the user's eligible set.
type ServerNotEligibleError struct {
	// ServerURL is the requested server.
	ServerURL string

	// UserID is the requesting user.
	UserID string
}

// Error implements the error interface.
func (e *ServerNotEligibleError) Error() string {
	return fmt.Sprintf("server %q is not eligible for user %q", e.ServerURL, e.UserID)
}

// Is implements error matching for errors.Is().
func (e *ServerNotEligibleError) Is(target error) bool {
	return target == ErrServerNotEligible
}
