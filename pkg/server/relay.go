// Package server exposes the relay's operations over HTTP: login, logout,
// server selection, generation calls, and session introspection. The UI that
// calls these endpoints is an external collaborator; authentication of users
// happens upstream and the facade trusts the identity it is handed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"monoklix/relay/pkg/backend"
	"monoklix/relay/pkg/catalog"
	"monoklix/relay/pkg/credential"
	"monoklix/relay/pkg/executor"
	"monoklix/relay/pkg/identity"
	"monoklix/relay/pkg/probe"
	"monoklix/relay/pkg/routing"
	"monoklix/relay/pkg/session"
)

// assignTimeout bounds a background credential assignment run.
const assignTimeout = 5 * time.Minute

// Monitor is the session monitoring surface the relay needs.
type Monitor interface {
	Watch(ctx context.Context, sess *session.Session) error
	Unwatch(userID string)
}

// Relay orchestrates the core components behind the HTTP facade: sessions,
// server selection, credential assignment, and generation calls.
type Relay struct {
	backend  backend.Backend
	catalog  *catalog.Catalog
	selector *routing.Selector
	sessions *session.Manager
	assigner *credential.Assigner
	prober   probe.Prober
	executor *executor.Executor
	monitor  Monitor
	store    *session.IdentityStore
	logger   *slog.Logger

	// mu guards lastStatus, the most recent human-readable progress line
	// per user, surfaced on the session endpoint.
	mu         sync.Mutex
	lastStatus map[string]string
}

// NewRelay wires the orchestrator. The identity store may be nil, which
// disables restore-on-start.
func NewRelay(be backend.Backend, cat *catalog.Catalog, sel *routing.Selector, sessions *session.Manager, assigner *credential.Assigner, prober probe.Prober, exec *executor.Executor, mon Monitor, store *session.IdentityStore) *Relay {
	r := &Relay{
		backend:    be,
		catalog:    cat,
		selector:   sel,
		sessions:   sessions,
		assigner:   assigner,
		prober:     prober,
		executor:   exec,
		monitor:    mon,
		store:      store,
		logger:     slog.Default().With("component", "relay"),
		lastStatus: make(map[string]string),
	}
	exec.SetCredentialFailureHook(r.reassignCredential)
	assigner.SetAssignedHook(r.credentialAssigned)
	return r
}

// credentialAssigned lands a freshly bound credential on the user's session.
func (r *Relay) credentialAssigned(userID string, cred credential.Credential) {
	if sess, ok := r.sessions.Get(userID); ok {
		sess.SetPersonal(cred)
	}
}

// LoginResult is what a successful login hands back to the caller.
type LoginResult struct {
	// Selection is the server chosen for the session.
	Selection *routing.Selection

	// AssignmentStarted reports whether a background credential scan was
	// kicked off for the user.
	AssignmentStarted bool
}

// Login opens a session for the user, selects a server, caches the shared
// credential pool, starts monitoring, and, for users entitled to a personal
// credential, kicks off a background assignment scan. Logging in again
// replaces any existing session for the user.
func (r *Relay) Login(ctx context.Context, user identity.User) (*LoginResult, error) {
	sess := r.sessions.Open(user)

	sel, err := r.selector.Select(ctx, sess)
	if err != nil {
		r.sessions.Close(user.ID)
		return nil, fmt.Errorf("failed to select a server: %w", err)
	}

	if pool, err := r.backend.SharedCredentials(ctx); err != nil {
		// The session can still run on dedicated servers without the
		// pool; assignment will fail cleanly if attempted.
		r.logger.Warn("failed to load shared credential pool", "user_id", user.ID, "error", err)
	} else {
		sess.SetPool(poolCredentials(pool))
	}

	if r.store != nil {
		if err := r.store.Save(ctx, user, sel.Server.URL); err != nil {
			r.logger.Warn("failed to persist identity", "user_id", user.ID, "error", err)
		}
	}

	if err := r.monitor.Watch(context.Background(), sess); err != nil {
		r.logger.Warn("failed to start session watch", "user_id", user.ID, "error", err)
	}

	result := &LoginResult{Selection: sel}

	// Apple and admin users run on dedicated servers with their own
	// upstream credentials; only regular users draw from the shared pool.
	if !user.IsAdmin() && !user.IsAppleUser() {
		result.AssignmentStarted = true
		go r.assignCredential(sess)
	}

	r.logger.Info("user logged in",
		"user_id", user.ID,
		"username", user.Username,
		"server", sel.Server.URL,
		"strategy", sel.Strategy,
		"assignment_started", result.AssignmentStarted,
	)
	return result, nil
}

// Logout tears the user's session down. The backend server record is
// cleared best effort; the local session always closes.
func (r *Relay) Logout(ctx context.Context, userID string) error {
	_, ok := r.sessions.Get(userID)
	if !ok {
		return session.ErrNoSession
	}

	if err := r.backend.SetUserServer(ctx, userID, ""); err != nil {
		r.logger.Warn("failed to clear server record at logout", "user_id", userID, "error", err)
	}

	r.monitor.Unwatch(userID)
	r.sessions.Close(userID)

	if r.store != nil {
		if err := r.store.Clear(ctx); err != nil {
			r.logger.Warn("failed to clear stored identity", "error", err)
		}
	}

	r.clearStatus(userID)
	r.logger.Info("user logged out", "user_id", userID)
	return nil
}

// ChangeServer switches the session to an explicitly chosen server.
func (r *Relay) ChangeServer(ctx context.Context, userID, serverURL string) (*routing.Selection, error) {
	sess, ok := r.sessions.Get(userID)
	if !ok {
		return nil, session.ErrNoSession
	}
	sel, err := r.selector.Choose(ctx, sess, serverURL)
	if err != nil {
		return nil, err
	}
	if r.store != nil {
		if err := r.store.Save(ctx, sess.User(), sel.Server.URL); err != nil {
			r.logger.Warn("failed to persist identity", "user_id", userID, "error", err)
		}
	}
	return sel, nil
}

// Generate performs a generation call for the user's session. It blocks
// through slot admission; cancellation of ctx abandons the wait.
func (r *Relay) Generate(ctx context.Context, userID string, svc executor.Service, operation string, body map[string]any) (*executor.Response, error) {
	sess, ok := r.sessions.Get(userID)
	if !ok {
		return nil, session.ErrNoSession
	}
	return r.executor.Execute(ctx, sess, executor.Request{
		Path:      "/generate",
		Service:   svc,
		Operation: operation,
		Class:     executor.ClassGeneration,
		Body:      body,
		OnStatus:  func(status string) { r.setStatus(userID, status) },
	})
}

// SessionStatus is the introspection view of one session.
type SessionStatus struct {
	User            identity.User
	StartedAt       time.Time
	ServerURL       string
	CredentialHint  string
	AssignmentState credential.AssignmentState
	Progress        credential.Progress
	LastStatus      string
}

// Status returns the session's current state, or session.ErrNoSession.
func (r *Relay) Status(userID string) (*SessionStatus, error) {
	sess, ok := r.sessions.Get(userID)
	if !ok {
		return nil, session.ErrNoSession
	}

	st := &SessionStatus{
		User:       sess.User(),
		StartedAt:  sess.StartedAt(),
		LastStatus: r.getStatus(userID),
	}
	if rs := sess.RoutingState(); rs != nil {
		st.ServerURL = rs.ServerURL
	}
	if personal := sess.Personal(); personal != nil {
		st.CredentialHint = "..." + personal.Suffix()
	}
	if run, ok := r.assigner.Current(userID); ok {
		st.AssignmentState = run.State()
		st.Progress = run.Progress()
	} else if st.CredentialHint != "" {
		st.AssignmentState = credential.StateSuccess
	}
	return st, nil
}

// Restore re-opens the last persisted session after a process restart, so
// the user keeps their server and monitoring without logging in again.
// Returns false when nothing was persisted.
func (r *Relay) Restore(ctx context.Context) (bool, error) {
	if r.store == nil {
		return false, nil
	}
	stored, ok, err := r.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load stored identity: %w", err)
	}
	if !ok {
		return false, nil
	}

	sess := r.sessions.Open(stored.User)

	if stored.ServerURL != "" {
		if _, err := r.selector.Choose(ctx, sess, stored.ServerURL); err != nil {
			r.logger.Warn("stored server no longer eligible, reselecting",
				"user_id", stored.User.ID, "server", stored.ServerURL, "error", err)
			if _, err := r.selector.Select(ctx, sess); err != nil {
				r.sessions.Close(stored.User.ID)
				return false, fmt.Errorf("failed to restore session: %w", err)
			}
		}
	} else if _, err := r.selector.Select(ctx, sess); err != nil {
		r.sessions.Close(stored.User.ID)
		return false, fmt.Errorf("failed to restore session: %w", err)
	}

	if pool, err := r.backend.SharedCredentials(ctx); err == nil {
		sess.SetPool(poolCredentials(pool))
	}

	if err := r.monitor.Watch(context.Background(), sess); err != nil {
		r.logger.Warn("failed to start session watch", "user_id", stored.User.ID, "error", err)
	}

	r.logger.Info("restored previous session", "user_id", stored.User.ID, "username", stored.User.Username)
	return true, nil
}

// assignCredential runs the foreground login scan in the background: the UI
// observes its progress through the session endpoint. A credential the user
// already holds in the backend is kept when it still passes its health
// probe; only an absent or unhealthy one triggers a pool scan.
func (r *Relay) assignCredential(sess *session.Session) {
	userID := sess.User().ID
	ctx, cancel := context.WithTimeout(context.Background(), assignTimeout)
	defer cancel()

	if r.reuseHeldCredential(ctx, sess) {
		return
	}

	_, err := r.assigner.Assign(ctx, userID, sess.Pool(), r.probeFunc(sess), func(p credential.Progress) {
		r.setStatus(userID, fmt.Sprintf("Checking access credentials (%d/%d)...", p.Current, p.Total))
	})
	if err != nil {
		r.setStatus(userID, assignmentFailureMessage(sess.User(), err))
		if !errors.Is(err, credential.ErrAlreadyInProgress) {
			r.logger.Warn("credential assignment failed", "user_id", userID, "error", err)
		}
		return
	}

	r.setStatus(userID, "Ready.")
}

// reuseHeldCredential checks the backend for a credential the user already
// holds and keeps it when it passes a health probe. Returns true when the
// session was set up from the existing binding.
func (r *Relay) reuseHeldCredential(ctx context.Context, sess *session.Session) bool {
	userID := sess.User().ID

	token, held, err := r.backend.PersonalCredential(ctx, userID)
	if err != nil {
		r.logger.Warn("failed to look up held credential, scanning pool",
			"user_id", userID, "error", err)
		return false
	}
	if !held {
		return false
	}

	cred := credential.Credential{Token: token, Scope: credential.ScopePersonal}
	r.setStatus(userID, "Verifying your existing access credentials...")
	if err := r.prober.Probe(ctx, sess, cred); err != nil {
		r.logger.Warn("held credential failed health check, scanning pool",
			"user_id", userID, "credential", "..."+cred.Suffix(), "error", err)
		return false
	}

	sess.SetPersonal(cred)
	r.setStatus(userID, "Ready.")
	r.logger.Info("reusing held credential",
		"user_id", userID, "credential", "..."+cred.Suffix())
	return true
}

// reassignCredential is the silent replacement path invoked when the
// personal credential fails in production use.
func (r *Relay) reassignCredential(userID string) {
	sess, ok := r.sessions.Get(userID)
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), assignTimeout)
		defer cancel()

		// The assigned hook lands the replacement on the session; the old
		// credential is only dropped once the backend release and the
		// replacement both succeeded.
		if _, err := r.assigner.Reassign(ctx, userID, sess.Pool(), r.probeFunc(sess)); err != nil {
			if errors.Is(err, credential.ErrAlreadyInProgress) {
				return
			}
			r.logger.Warn("silent credential replacement failed", "user_id", userID, "error", err)
			return
		}
		r.logger.Info("personal credential silently replaced", "user_id", userID)
	}()
}

// probeFunc adapts the prober to the assigner's session-free contract.
func (r *Relay) probeFunc(sess *session.Session) credential.ProbeFunc {
	return func(ctx context.Context, cred credential.Credential) error {
		return r.prober.Probe(ctx, sess, cred)
	}
}

func (r *Relay) setStatus(userID, status string) {
	r.mu.Lock()
	r.lastStatus[userID] = status
	r.mu.Unlock()
}

func (r *Relay) getStatus(userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStatus[userID]
}

func (r *Relay) clearStatus(userID string) {
	r.mu.Lock()
	delete(r.lastStatus, userID)
	r.mu.Unlock()
}

// assignmentFailureMessage maps assignment errors to what the user should
// see. Schema problems carry detail only for administrators.
func assignmentFailureMessage(user identity.User, err error) string {
	switch {
	case errors.Is(err, credential.ErrSchemaMisconfigured):
		if user.IsAdmin() {
			return err.Error()
		}
		return "Access credentials are temporarily unavailable. Please try again later."
	case errors.Is(err, credential.ErrPoolExhausted):
		return "All access credentials are currently in use. Please try again later."
	case errors.Is(err, credential.ErrNoPoolAvailable):
		return "No access credentials are configured."
	case errors.Is(err, credential.ErrAlreadyInProgress):
		return "Credential assignment is already running."
	default:
		return "Could not prepare access credentials. Please try again later."
	}
}

// poolCredentials converts registry entries to session pool credentials.
func poolCredentials(shared []backend.SharedCredential) []credential.Credential {
	out := make([]credential.Credential, len(shared))
	for i, s := range shared {
		out[i] = credential.Credential{Token: s.Token, CreatedAt: s.CreatedAt}
	}
	return out
}
