// Package session owns the explicit session-scoped state the routing,
// credential, and executor components share: the selected server, the
// personal credential, and the cached shared pool. A Session replaces the
// original design's ambient string-keyed storage with an explicit lifecycle.
package session

import (
	"sync"
	"time"

	"monoklix/relay/pkg/credential"
	"monoklix/relay/pkg/identity"
)

// RoutingState is the session's currently selected proxy server.
type RoutingState struct {
	// ServerURL is the selected server's base URL.
	ServerURL string

	// SelectedAt is when the selection was made.
	SelectedAt time.Time
}

// Session is the state for one authenticated user. It is safe for concurrent
// use: the load balancer and the change-server flow write the routing state,
// the executor reads it and may swap it transiently during failover.
type Session struct {
	mu        sync.RWMutex
	user      identity.User
	startedAt time.Time
	routing   *RoutingState
	personal  *credential.Credential
	pool      []credential.Credential
	closed    bool
}

// newSession creates an open session for the user. Sessions are created
// through a Manager.
func newSession(user identity.User, startedAt time.Time) *Session {
	return &Session{user: user, startedAt: startedAt}
}

// User returns the session's user.
func (s *Session) User() identity.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// StartedAt returns when the session was opened. Forced-logout events older
// than this are ignored.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// RoutingState returns the current routing state, or nil when no server has
// been selected yet.
func (s *Session) RoutingState() *RoutingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.routing == nil {
		return nil
	}
	rs := *s.routing
	return &rs
}

// SetRoutingState selects a server for the rest of the session.
func (s *Session) SetRoutingState(serverURL string) {
	s.mu.Lock()
	s.routing = &RoutingState{ServerURL: serverURL, SelectedAt: time.Now()}
	s.mu.Unlock()
}

// RestoreRoutingState puts back a previously captured state. The executor
// uses this to undo a transient failover switch. A nil state clears the
// selection.
func (s *Session) RestoreRoutingState(rs *RoutingState) {
	s.mu.Lock()
	if rs == nil {
		s.routing = nil
	} else {
		cp := *rs
		s.routing = &cp
	}
	s.mu.Unlock()
}

// Personal returns the user's personal credential, or nil when none is
// assigned.
func (s *Session) Personal() *credential.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.personal == nil {
		return nil
	}
	c := *s.personal
	return &c
}

// SetPersonal stores the user's personal credential.
func (s *Session) SetPersonal(c credential.Credential) {
	c.Scope = credential.ScopePersonal
	s.mu.Lock()
	s.personal = &c
	s.mu.Unlock()
}

// ClearPersonal drops the personal credential, typically after it failed in
// production use.
func (s *Session) ClearPersonal() {
	s.mu.Lock()
	s.personal = nil
	s.mu.Unlock()
}

// Pool returns the session-cached shared credential pool.
func (s *Session) Pool() []credential.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]credential.Credential, len(s.pool))
	copy(out, s.pool)
	return out
}

// SetPool caches the shared credential pool for the session. Populated once
// at login.
func (s *Session) SetPool(pool []credential.Credential) {
	cp := make([]credential.Credential, len(pool))
	copy(cp, pool)
	for i := range cp {
		cp[i].Scope = credential.ScopeSharedPool
	}
	s.mu.Lock()
	s.pool = cp
	s.mu.Unlock()
}

// Close clears every piece of session state. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.routing = nil
	s.personal = nil
	s.pool = nil
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
