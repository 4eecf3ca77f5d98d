// Package backendtest provides a scriptable in-memory implementation of the
// coordination backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"monoklix/relay/pkg/backend"
)

// FakeBackend is an in-memory backend.Backend. Every operation can be
// scripted to fail or to return fixed results; unscripted operations behave
// like a healthy backend with the configured state.
type FakeBackend struct {
	mu sync.Mutex

	// Usage is the per-server active-user count returned by UsageCounts.
	Usage map[string]int

	// UsageErr, when set, makes UsageCounts fail.
	UsageErr error

	// Shared is the shared credential registry.
	Shared []backend.SharedCredential

	// SharedErr, when set, makes SharedCredentials fail.
	SharedErr error

	// SlotResults scripts successive TryAcquireSlot outcomes per server.
	// When a server's script is exhausted, further attempts are granted.
	SlotResults map[string][]bool

	// SlotErr, when set, makes TryAcquireSlot fail.
	SlotErr error

	// CommitResults scripts successive commit outcomes per token. When a
	// token's script is exhausted, commits succeed.
	CommitResults map[string][]backend.CommitStatus

	// CommitErr, when set, makes CommitPersonalCredential fail.
	CommitErr error

	// ClearErr, when set, makes ClearPersonalCredential fail.
	ClearErr error

	// HeartbeatErr, when set, makes Heartbeat fail.
	HeartbeatErr error

	// Recorded state for assertions.
	UserServers  map[string]string
	Holders      map[string]string
	UserTokens   map[string]string
	SlotAttempts map[string]int
	Heartbeats   map[string]int
	Cleared      []string

	// logoutChans tracks open forced-logout subscriptions per user.
	logoutChans map[string][]chan backend.ForcedLogoutEvent
}

// New creates an empty fake backend.
func New() *FakeBackend {
	return &FakeBackend{
		Usage:         make(map[string]int),
		SlotResults:   make(map[string][]bool),
		CommitResults: make(map[string][]backend.CommitStatus),
		UserServers:   make(map[string]string),
		Holders:       make(map[string]string),
		UserTokens:    make(map[string]string),
		SlotAttempts:  make(map[string]int),
		Heartbeats:    make(map[string]int),
		logoutChans:   make(map[string][]chan backend.ForcedLogoutEvent),
	}
}

// UsageCounts returns the scripted usage map.
func (f *FakeBackend) UsageCounts(ctx context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UsageErr != nil {
		return nil, f.UsageErr
	}
	out := make(map[string]int, len(f.Usage))
	for k, v := range f.Usage {
		out[k] = v
	}
	return out, nil
}

// SetUserServer records the user's server, mirroring the real backend's
// count bookkeeping.
func (f *FakeBackend) SetUserServer(ctx context.Context, userID, server string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.UserServers[userID]; ok && prev != "" {
		f.Usage[prev]--
	}
	if server == "" {
		delete(f.UserServers, userID)
		return nil
	}
	f.UserServers[userID] = server
	f.Usage[server]++
	return nil
}

// TryAcquireSlot consumes the server's scripted outcomes in order.
func (f *FakeBackend) TryAcquireSlot(ctx context.Context, server string, cooldown time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SlotAttempts[server]++
	if f.SlotErr != nil {
		return false, f.SlotErr
	}
	script := f.SlotResults[server]
	if len(script) == 0 {
		return true, nil
	}
	granted := script[0]
	f.SlotResults[server] = script[1:]
	return granted, nil
}

// SharedCredentials returns the scripted registry.
func (f *FakeBackend) SharedCredentials(ctx context.Context) ([]backend.SharedCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SharedErr != nil {
		return nil, f.SharedErr
	}
	out := make([]backend.SharedCredential, len(f.Shared))
	copy(out, f.Shared)
	return out, nil
}

// PersonalCredential returns the token currently bound to the user.
func (f *FakeBackend) PersonalCredential(ctx context.Context, userID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.UserTokens[userID]
	return token, ok, nil
}

// CommitPersonalCredential consumes the token's scripted outcomes in order,
// then behaves like a successful commit. Like the real backend, a committed
// bind releases whatever the user held before.
func (f *FakeBackend) CommitPersonalCredential(ctx context.Context, userID, token string) (backend.CommitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CommitErr != nil {
		return 0, f.CommitErr
	}
	if script := f.CommitResults[token]; len(script) > 0 {
		status := script[0]
		f.CommitResults[token] = script[1:]
		if status == backend.CommitCommitted {
			f.bind(userID, token)
		}
		return status, nil
	}
	if holder, ok := f.Holders[token]; ok && holder != userID {
		return backend.CommitConflict, nil
	}
	f.bind(userID, token)
	return backend.CommitCommitted, nil
}

// bind records the user as the token's holder and releases the user's
// previous token. Callers hold f.mu.
func (f *FakeBackend) bind(userID, token string) {
	if old, ok := f.UserTokens[userID]; ok && old != token && f.Holders[old] == userID {
		delete(f.Holders, old)
	}
	f.Holders[token] = userID
	f.UserTokens[userID] = token
}

// ClearPersonalCredential releases whatever the user holds.
func (f *FakeBackend) ClearPersonalCredential(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ClearErr != nil {
		return f.ClearErr
	}
	f.Cleared = append(f.Cleared, userID)
	for token, holder := range f.Holders {
		if holder == userID {
			delete(f.Holders, token)
		}
	}
	delete(f.UserTokens, userID)
	return nil
}

// Heartbeat counts liveness updates per user.
func (f *FakeBackend) Heartbeat(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeartbeatErr != nil {
		return f.HeartbeatErr
	}
	f.Heartbeats[userID]++
	return nil
}

// SubscribeForcedLogout returns a channel that PushForcedLogout feeds.
func (f *FakeBackend) SubscribeForcedLogout(ctx context.Context, userID string) (<-chan backend.ForcedLogoutEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan backend.ForcedLogoutEvent, 4)
	f.logoutChans[userID] = append(f.logoutChans[userID], ch)

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		chans := f.logoutChans[userID]
		for i, c := range chans {
			if c == ch {
				f.logoutChans[userID] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel, nil
}

// PushForcedLogout delivers a forced-logout event to the user's open
// subscriptions.
func (f *FakeBackend) PushForcedLogout(userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	chans := f.logoutChans[userID]
	if len(chans) == 0 {
		return fmt.Errorf("no forced-logout subscription for user %s", userID)
	}
	for _, ch := range chans {
		ch <- backend.ForcedLogoutEvent{ForceLogoutAt: at}
	}
	return nil
}

// HeartbeatCount returns how many heartbeats the user has recorded.
func (f *FakeBackend) HeartbeatCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Heartbeats[userID]
}

// SlotAttemptCount returns how many slot acquisitions were attempted.
func (f *FakeBackend) SlotAttemptCount(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SlotAttempts[server]
}

// Holder returns who currently holds the token, empty when unheld.
func (f *FakeBackend) Holder(token string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Holders[token]
}

// SubscriptionCount returns how many forced-logout subscriptions the user
// currently has open.
func (f *FakeBackend) SubscriptionCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logoutChans[userID])
}
