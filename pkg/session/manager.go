package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"monoklix/relay/pkg/identity"
	"monoklix/relay/pkg/telemetry/metrics"
)

// ErrNoSession is returned when an operation targets a user with no open
// session.
var ErrNoSession = errors.New("no open session for user")

// Manager tracks the open session per user. The relay process usually hosts
// a single session, but nothing here assumes it.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// NewManager creates a session manager.
func NewManager(collector *metrics.Collector) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		metrics:  collector,
		logger:   slog.Default().With("component", "session"),
	}
}

// Open starts a session for the user. An existing session for the same user
// is closed first so account switches never leak state.
func (m *Manager) Open(user identity.User) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[user.ID]; ok {
		old.Close()
		m.metrics.SessionClosed()
		m.logger.Info("replacing existing session", "user_id", user.ID)
	}

	s := newSession(user, time.Now())
	m.sessions[user.ID] = s
	m.metrics.SessionOpened()
	m.logger.Info("session opened", "user_id", user.ID, "username", user.Username)
	return s
}

// Get returns the open session for the user, if any.
func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Close ends the user's session and clears its state.
func (m *Manager) Close(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	if !ok {
		return
	}
	s.Close()
	delete(m.sessions, userID)
	m.metrics.SessionClosed()
	m.logger.Info("session closed", "user_id", userID)
}
