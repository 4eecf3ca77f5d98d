package credential

import (
	"errors"
	"fmt"
)

// Common assignment errors that can be checked with errors.Is().
var (
	// ErrAlreadyInProgress is returned when an assignment session for the
	// user is already in flight. Concurrent starts are rejected, not queued.
	ErrAlreadyInProgress = errors.New("credential assignment already in progress")

	// ErrNoPoolAvailable is returned when the session has no shared
	// credential pool to scan.
	ErrNoPoolAvailable = errors.New("no shared credential pool available")

	// ErrPoolExhausted is returned when every candidate in the pool failed
	// its health probe or could not be committed.
	ErrPoolExhausted = errors.New("credential pool exhausted")

	// ErrSchemaMisconfigured is returned when the backend is missing the
	// credential registry. Fatal for administrators to act on; ordinary
	// users should be shown a generic message.
	ErrSchemaMisconfigured = errors.New("credential backend schema misconfigured")
)

// PoolExhaustedError is returned when no candidate in the shared pool could
// be assigned.
type PoolExhaustedError struct {
	// Scanned is the number of candidates probed.
	Scanned int
}

// Error implements the error interface.
func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("all %d shared credentials are unusable or taken", e.Scanned)
}

// Is implements error matching for errors.Is().
func (e *PoolExhaustedError) Is(target error) bool {
	return target == ErrPoolExhausted
}

// SchemaError is returned when the backend commit reports a missing schema
// dependency.
type SchemaError struct {
	// Detail names the missing dependency for administrators.
	Detail string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("credential backend schema misconfigured: %s", e.Detail)
}

// Is implements error matching for errors.Is().
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaMisconfigured
}
