// Package backend defines the shared coordination backend the relay depends
// on for everything that must be atomic across processes: usage accounting,
// generation-slot admission, credential commits, liveness, and forced-logout
// signaling. Cross-process invariants live here, not in local locks.
package backend

import (
	"context"
	"time"
)

// CommitStatus is the outcome of an atomic personal-credential commit.
type CommitStatus int

const (
	// CommitCommitted means the credential is now bound to the user.
	CommitCommitted CommitStatus = iota

	// CommitConflict means another user already holds the credential.
	CommitConflict

	// CommitSchemaMissing means the backend is missing the credential
	// registry the commit depends on. A deployment problem, not a
	// per-request one.
	CommitSchemaMissing
)

// String returns the status name for logging.
func (s CommitStatus) String() string {
	switch s {
	case CommitCommitted:
		return "committed"
	case CommitConflict:
		return "conflict"
	case CommitSchemaMissing:
		return "schema_missing"
	default:
		return "unknown"
	}
}

// SharedCredential is one entry of the shared credential registry.
type SharedCredential struct {
	// Token is the bearer token.
	Token string

	// CreatedAt is when the credential was provisioned.
	CreatedAt time.Time
}

// ForcedLogoutEvent is a push notification that an administrator revoked the
// user's sessions at the given time.
type ForcedLogoutEvent struct {
	// ForceLogoutAt is the revocation timestamp. Sessions started before it
	// must terminate.
	ForceLogoutAt time.Time
}

// Backend is the shared coordination backend contract.
type Backend interface {
	// UsageCounts returns the current active-user count per server URL.
	// Best effort: errors are surfaced so callers can degrade.
	UsageCounts(ctx context.Context) (map[string]int, error)

	// SetUserServer atomically records the user's current server and keeps
	// the usage counts consistent. An empty server clears the record.
	SetUserServer(ctx context.Context, userID, server string) error

	// TryAcquireSlot attempts to take the generation slot for the server.
	// It returns true when granted; a false result means denied, not failed.
	TryAcquireSlot(ctx context.Context, server string, cooldown time.Duration) (bool, error)

	// SharedCredentials lists the shared credential registry.
	SharedCredentials(ctx context.Context) ([]SharedCredential, error)

	// PersonalCredential returns the token currently bound to the user, if
	// any.
	PersonalCredential(ctx context.Context, userID string) (string, bool, error)

	// CommitPersonalCredential atomically binds the credential to the user
	// and increments its use counter. A credential the user already held is
	// released by the same commit.
	CommitPersonalCredential(ctx context.Context, userID, token string) (CommitStatus, error)

	// ClearPersonalCredential releases the user's personal credential.
	ClearPersonalCredential(ctx context.Context, userID string) error

	// Heartbeat records a liveness update for the user.
	Heartbeat(ctx context.Context, userID string) error

	// SubscribeForcedLogout subscribes to forced-logout events for the
	// user. The returned cancel function tears the subscription down and
	// closes the channel.
	SubscribeForcedLogout(ctx context.Context, userID string) (<-chan ForcedLogoutEvent, func(), error)
}
