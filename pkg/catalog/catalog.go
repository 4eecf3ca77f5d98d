// Package catalog holds the static proxy server fleet and answers which
// servers a given user may route to. The catalog is immutable at runtime;
// a new snapshot replaces the old one atomically when the catalog file is
// reloaded.
package catalog

import (
	"fmt"
	"sync"

	"monoklix/relay/pkg/identity"
)

// Tag marks a server with special routing semantics.
type Tag string

const (
	// TagApple marks the server dedicated to Apple-channel users.
	TagApple Tag = "apple"

	// TagAdmin marks the server dedicated to administrators.
	TagAdmin Tag = "admin"

	// TagBatch02 places a server in the batch-02 tier sub-pool.
	TagBatch02 Tag = "batch_02"
)

// Server is one entry in the proxy fleet. Entries are immutable; membership
// never changes while a snapshot is live.
type Server struct {
	// URL is the server's base URL, e.g. "https://s1.monoklix.com".
	URL string

	// Tags is the static tag set for this server.
	Tags []Tag
}

// HasTag reports whether the server carries the given tag.
func (s Server) HasTag(tag Tag) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Catalog is the fleet snapshot plus the eligibility rules. It is safe for
// concurrent use; Reload swaps the snapshot under a write lock.
type Catalog struct {
	mu      sync.RWMutex
	servers []Server
}

// New creates a catalog from an ordered server list. Order matters: the load
// balancer breaks usage ties by catalog order, first listed wins.
func New(servers []Server) (*Catalog, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("catalog: no servers configured")
	}
	return &Catalog{servers: snapshot(servers)}, nil
}

// Reload atomically replaces the fleet snapshot. Used by the file watcher.
func (c *Catalog) Reload(servers []Server) error {
	if len(servers) == 0 {
		return fmt.Errorf("catalog: refusing to reload empty server list")
	}
	c.mu.Lock()
	c.servers = snapshot(servers)
	c.mu.Unlock()
	return nil
}

// Servers returns the full ordered fleet.
func (c *Catalog) Servers() []Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot(c.servers)
}

// EligibleServers returns the ordered set of servers the user may route to.
//
// Rules, in precedence order:
//  1. Apple-channel users get exactly the apple-tagged server.
//  2. Admins get exactly the admin-tagged server.
//  3. Everyone else gets the default pool for their tier: batch-02 users get
//     the batch_02-tagged servers, default-tier users get the untagged ones.
//     The two tier pools are disjoint so they never share load statistics.
//
// It fails only when the pool for the user's tier is empty, which is a
// configuration error.
func (c *Catalog) EligibleServers(user *identity.User) ([]Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case user.IsAppleUser():
		return c.taggedLocked(TagApple)
	case user.IsAdmin():
		return c.taggedLocked(TagAdmin)
	}

	var pool []Server
	for _, s := range c.servers {
		if s.HasTag(TagApple) || s.HasTag(TagAdmin) {
			continue
		}
		if (user.Tier == identity.TierBatch02) != s.HasTag(TagBatch02) {
			continue
		}
		pool = append(pool, s)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("catalog: no servers configured for tier %q", user.Tier)
	}
	return pool, nil
}

// Lookup returns the catalog entry for the given URL, if present.
func (c *Catalog) Lookup(url string) (Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.servers {
		if s.URL == url {
			return s, true
		}
	}
	return Server{}, false
}

func (c *Catalog) taggedLocked(tag Tag) ([]Server, error) {
	var pool []Server
	for _, s := range c.servers {
		if s.HasTag(tag) {
			pool = append(pool, s)
		}
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("catalog: no server tagged %q", tag)
	}
	return pool, nil
}

func snapshot(servers []Server) []Server {
	out := make([]Server, len(servers))
	copy(out, servers)
	return out
}
