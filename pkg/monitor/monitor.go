// Package monitor keeps open sessions alive and enforces administrative
// forced logouts. Each watched session gets a periodic heartbeat to the
// coordination backend and a subscription to its forced-logout channel.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"monoklix/relay/pkg/backend"
	"monoklix/relay/pkg/config"
	"monoklix/relay/pkg/session"
	"monoklix/relay/pkg/telemetry/metrics"
)

// releaseTimeout bounds the backend cleanup done during a forced logout.
const releaseTimeout = 5 * time.Second

// LivenessBackend is the backend surface the monitor needs.
type LivenessBackend interface {
	Heartbeat(ctx context.Context, userID string) error
	SetUserServer(ctx context.Context, userID, server string) error
	ClearPersonalCredential(ctx context.Context, userID string) error
	SubscribeForcedLogout(ctx context.Context, userID string) (<-chan backend.ForcedLogoutEvent, func(), error)
}

// TerminateFunc is told when a session was terminated by a forced logout.
type TerminateFunc func(userID string, reason string)

// Monitor runs a heartbeat schedule and a forced-logout watch per session.
type Monitor struct {
	backend     LivenessBackend
	sessions    *session.Manager
	interval    string
	metrics     *metrics.Collector
	logger      *slog.Logger
	onTerminate TerminateFunc

	mu      sync.Mutex
	watches map[string]*watch
	running bool
}

// watch is the per-session monitoring state.
type watch struct {
	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a session monitor. The heartbeat interval comes from
// configuration.
func NewMonitor(cfg config.HeartbeatConfig, be LivenessBackend, sessions *session.Manager, collector *metrics.Collector) *Monitor {
	return &Monitor{
		backend:  be,
		sessions: sessions,
		interval: fmt.Sprintf("@every %s", cfg.Interval),
		metrics:  collector,
		logger:   slog.Default().With("component", "monitor"),
		watches:  make(map[string]*watch),
		running:  true,
	}
}

// SetTerminateHook registers the forced-logout notification callback.
func (m *Monitor) SetTerminateHook(fn TerminateFunc) {
	m.onTerminate = fn
}

// Watch starts heartbeating and forced-logout monitoring for the session.
// The first heartbeat fires immediately so presence registers before the
// first scheduled tick. Watching an already watched user restarts its watch.
func (m *Monitor) Watch(ctx context.Context, sess *session.Session) error {
	userID := sess.User().ID

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor is stopped")
	}

	watchCtx, cancel := context.WithCancel(ctx)

	events, unsubscribe, err := m.backend.SubscribeForcedLogout(watchCtx, userID)
	if err != nil {
		cancel()
		m.mu.Unlock()
		return fmt.Errorf("failed to subscribe to forced logout events: %w", err)
	}

	m.beat(watchCtx, userID)

	c := cron.New()
	if _, err := c.AddFunc(m.interval, func() {
		m.beat(watchCtx, userID)
	}); err != nil {
		cancel()
		unsubscribe()
		m.mu.Unlock()
		return fmt.Errorf("invalid heartbeat schedule %q: %w", m.interval, err)
	}
	c.Start()

	// Swap the new watch in under the same critical section so two
	// concurrent Watch calls for one user can never both survive; the
	// displaced watch is stopped after the lock is released.
	w := &watch{cron: c, cancel: cancel, done: make(chan struct{})}
	displaced := m.watches[userID]
	m.watches[userID] = w
	m.mu.Unlock()

	go m.watchForcedLogout(watchCtx, sess, events, unsubscribe, w.done)

	if displaced != nil {
		m.stopWatch(displaced)
	}

	m.logger.Info("session watch started", "user_id", userID, "heartbeat", m.interval)
	return nil
}

// Unwatch stops monitoring the user's session, typically at logout.
func (m *Monitor) Unwatch(userID string) {
	m.mu.Lock()
	w, ok := m.watches[userID]
	if ok {
		delete(m.watches, userID)
	}
	m.mu.Unlock()
	if ok {
		m.stopWatch(w)
		m.logger.Info("session watch stopped", "user_id", userID)
	}
}

// Stop tears down every watch. Deterministic: it returns only after all
// watch goroutines have exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.running = false
	watches := m.watches
	m.watches = make(map[string]*watch)
	m.mu.Unlock()

	for _, w := range watches {
		m.stopWatch(w)
	}
	m.logger.Info("monitor stopped")
}

func (m *Monitor) stopWatch(w *watch) {
	w.cancel()
	<-w.cron.Stop().Done()
	<-w.done
}

// beat records one liveness update. Failures are logged, never fatal: a
// missed heartbeat only risks the presence record expiring early.
func (m *Monitor) beat(ctx context.Context, userID string) {
	if err := m.backend.Heartbeat(ctx, userID); err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("heartbeat failed", "user_id", userID, "error", err)
		}
		return
	}
	m.metrics.RecordHeartbeat()
}

// watchForcedLogout consumes the session's forced-logout channel until the
// watch is cancelled. Events older than the session start are replays of a
// revocation the user has already re-authenticated past, and are ignored.
func (m *Monitor) watchForcedLogout(ctx context.Context, sess *session.Session, events <-chan backend.ForcedLogoutEvent, unsubscribe func(), done chan<- struct{}) {
	defer close(done)
	defer unsubscribe()

	userID := sess.User().ID
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.ForceLogoutAt.After(sess.StartedAt()) {
				m.logger.Debug("ignoring stale forced logout event",
					"user_id", userID,
					"force_logout_at", ev.ForceLogoutAt,
					"session_started_at", sess.StartedAt())
				continue
			}
			m.logger.Warn("forced logout received, terminating session",
				"user_id", userID, "force_logout_at", ev.ForceLogoutAt)
			m.terminate(userID, sess)
			return
		}
	}
}

// terminate releases everything the session holds. Backend releases are best
// effort: the session is closed locally regardless.
func (m *Monitor) terminate(userID string, sess *session.Session) {
	// The watch context is being torn down, so releases get their own
	// short-lived context.
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if sess.Personal() != nil {
		if err := m.backend.ClearPersonalCredential(ctx, userID); err != nil {
			m.logger.Warn("failed to release credential during forced logout",
				"user_id", userID, "error", err)
		}
	}
	if err := m.backend.SetUserServer(ctx, userID, ""); err != nil {
		m.logger.Warn("failed to clear server record during forced logout",
			"user_id", userID, "error", err)
	}

	m.sessions.Close(userID)
	go m.Unwatch(userID)

	if m.onTerminate != nil {
		m.onTerminate(userID, "your session was terminated by an administrator")
	}
}
