// Package identity defines the user attributes the relay reads when making
// routing and credential decisions. The user record itself is owned by the
// authentication collaborator; the relay never mutates identity or role.
package identity

// Role is the user's access role.
type Role string

const (
	// RoleStandard is a regular user.
	RoleStandard Role = "standard"

	// RoleAdmin is an administrator. Admins route to the dedicated admin
	// server and see configuration-level error detail.
	RoleAdmin Role = "admin"
)

// Status is the user's account/entitlement status.
type Status string

const (
	// StatusSubscription is a time-limited subscription account.
	StatusSubscription Status = "subscription"

	// StatusLifetime is a lifetime-access account.
	StatusLifetime Status = "lifetime"

	// StatusAppleUser is an account provisioned through the Apple channel.
	// Apple users route to the dedicated apple-optimized server.
	StatusAppleUser Status = "apple_user"

	// StatusAdmin is an administrative account.
	StatusAdmin Status = "admin"
)

// Tier is the load-balancing tier flag. Tiers partition the default server
// pool so the two populations never share load statistics.
type Tier string

const (
	// TierDefault is the default tier.
	TierDefault Tier = ""

	// TierBatch02 selects the batch-02 sub-pool.
	TierBatch02 Tier = "batch_02"
)

// User carries the identity attributes that influence routing and credential
// assignment.
type User struct {
	// ID is the stable user identifier.
	ID string

	// Username is the human-readable name, forwarded on proxied requests
	// for diagnostics.
	Username string

	// Role is the access role ("standard" or "admin").
	Role Role

	// Status is the entitlement status.
	Status Status

	// Tier is the load-balancing tier flag.
	Tier Tier
}

// IsAdmin reports whether the user has the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsAppleUser reports whether the account is an Apple-channel account.
func (u *User) IsAppleUser() bool {
	return u.Status == StatusAppleUser
}
