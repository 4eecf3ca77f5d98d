// Package credential manages the shared credential pool and the assignment
// of exclusive personal credentials to users.
package credential

import "time"

// Scope describes how a credential may be used.
type Scope string

const (
	// ScopeSharedPool is a read-only, health-tested pool credential.
	ScopeSharedPool Scope = "shared-pool"

	// ScopePersonal is a credential exclusively bound to one user.
	ScopePersonal Scope = "personal"

	// ScopeOverride is a caller-supplied credential for a single request.
	ScopeOverride Scope = "explicit-override"
)

// Credential is a bearer token authorizing calls to the generation services.
type Credential struct {
	// Token is the bearer token string.
	Token string

	// CreatedAt is when the credential was provisioned.
	CreatedAt time.Time

	// Scope describes the credential's ownership.
	Scope Scope
}

// Suffix returns the last few characters of the token for logging. Tokens
// are never logged whole.
func (c Credential) Suffix() string {
	const n = 6
	if len(c.Token) <= n {
		return c.Token
	}
	return c.Token[len(c.Token)-n:]
}
