package credential

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"monoklix/relay/pkg/backend"
	"monoklix/relay/pkg/telemetry/metrics"
)

// AssignmentState is the observable phase of an assignment run.
type AssignmentState string

const (
	// StateScanning means candidates are being probed for health.
	StateScanning AssignmentState = "scanning"

	// StateAssigning means a healthy candidate is being committed.
	StateAssigning AssignmentState = "assigning"

	// StateSuccess means a credential was bound to the user.
	StateSuccess AssignmentState = "success"

	// StateError means the run ended without an assignment.
	StateError AssignmentState = "error"
)

// Progress reports how far a scan has advanced through the pool.
type Progress struct {
	// Current is the 1-based index of the candidate being probed.
	Current int

	// Total is the pool size.
	Total int
}

// ProgressFunc receives scan progress updates.
type ProgressFunc func(Progress)

// ProbeFunc health-checks one candidate. Implementations typically close
// over the user's session and route the probe through the executor.
type ProbeFunc func(ctx context.Context, cred Credential) error

// AssignedFunc is told when a credential has been bound to a user.
type AssignedFunc func(userID string, cred Credential)

// Committer is the backend surface the assigner needs.
type Committer interface {
	CommitPersonalCredential(ctx context.Context, userID, token string) (backend.CommitStatus, error)
	ClearPersonalCredential(ctx context.Context, userID string) error
}

// AssignmentSession is the observable state of one in-flight run. Safe for
// concurrent reads while the run mutates it.
type AssignmentSession struct {
	mu       sync.RWMutex
	userID   string
	state    AssignmentState
	progress Progress
}

// State returns the run's current phase.
func (s *AssignmentSession) State() AssignmentState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Progress returns the run's scan progress.
func (s *AssignmentSession) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress
}

func (s *AssignmentSession) setState(state AssignmentState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *AssignmentSession) setProgress(p Progress) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// Assigner scans the shared pool and binds an exclusive personal credential
// to a user. At most one run per user may be in flight.
type Assigner struct {
	committer  Committer
	metrics    *metrics.Collector
	logger     *slog.Logger
	onAssigned AssignedFunc

	mu       sync.Mutex
	inflight map[string]*AssignmentSession
}

// NewAssigner creates an assigner backed by the shared coordination store.
func NewAssigner(committer Committer, collector *metrics.Collector) *Assigner {
	return &Assigner{
		committer: committer,
		metrics:   collector,
		logger:    slog.Default().With("component", "assigner"),
		inflight:  make(map[string]*AssignmentSession),
	}
}

// SetAssignedHook registers a callback fired after every successful bind.
func (a *Assigner) SetAssignedHook(fn AssignedFunc) {
	a.onAssigned = fn
}

// Current returns the user's in-flight assignment session, if any.
func (a *Assigner) Current(userID string) (*AssignmentSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.inflight[userID]
	return s, ok
}

// Assign scans the pool in random order, probes each candidate, and commits
// the first healthy one that no other user holds. A commit conflict sends
// the run back to scanning the remaining candidates. Returns
// ErrAlreadyInProgress if a run for the user is already in flight,
// ErrNoPoolAvailable for an empty pool, a PoolExhaustedError when every
// candidate failed or was taken, and a SchemaError when the backend is
// missing its credential registry.
func (a *Assigner) Assign(ctx context.Context, userID string, pool []Credential, probe ProbeFunc, onProgress ProgressFunc) (Credential, error) {
	sess, err := a.begin(userID)
	if err != nil {
		return Credential{}, err
	}
	defer a.finish(userID)

	if len(pool) == 0 {
		sess.setState(StateError)
		return Credential{}, ErrNoPoolAvailable
	}

	candidates := make([]Credential, len(pool))
	copy(candidates, pool)
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	a.logger.Info("starting credential scan", "user_id", userID, "pool_size", len(candidates))

	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			sess.setState(StateError)
			return Credential{}, err
		}

		p := Progress{Current: i + 1, Total: len(candidates)}
		sess.setProgress(p)
		if onProgress != nil {
			onProgress(p)
		}

		a.logger.Debug("probing shared credential",
			"user_id", userID, "credential", "..."+cand.Suffix(),
			"position", i+1, "pool_size", len(candidates))

		if err := probe(ctx, cand); err != nil {
			a.logger.Warn("shared credential failed health check, skipping",
				"credential", "..."+cand.Suffix(), "error", err)
			continue
		}

		sess.setState(StateAssigning)

		status, err := a.committer.CommitPersonalCredential(ctx, userID, cand.Token)
		if err != nil {
			sess.setState(StateError)
			a.metrics.RecordAssignment("backend_error")
			return Credential{}, fmt.Errorf("failed to commit credential: %w", err)
		}

		switch status {
		case backend.CommitCommitted:
			sess.setState(StateSuccess)
			a.metrics.RecordAssignment("success")
			assigned := cand
			assigned.Scope = ScopePersonal
			a.logger.Info("credential assigned",
				"user_id", userID, "credential", "..."+assigned.Suffix())
			if a.onAssigned != nil {
				a.onAssigned(userID, assigned)
			}
			return assigned, nil

		case backend.CommitConflict:
			// Another user grabbed it between the probe and the commit.
			a.logger.Info("credential taken by another user, resuming scan",
				"credential", "..."+cand.Suffix())
			sess.setState(StateScanning)
			continue

		case backend.CommitSchemaMissing:
			sess.setState(StateError)
			a.metrics.RecordAssignment("schema_error")
			return Credential{}, &SchemaError{Detail: "shared credential registry not found in backend"}

		default:
			sess.setState(StateError)
			return Credential{}, fmt.Errorf("unexpected commit status %v", status)
		}
	}

	sess.setState(StateError)
	a.metrics.RecordAssignment("exhausted")
	return Credential{}, &PoolExhaustedError{Scanned: len(candidates)}
}

// Reassign releases the user's current personal credential and runs a fresh
// silent scan. The release must succeed before any scan starts, so a user
// never ends up holding two credentials.
func (a *Assigner) Reassign(ctx context.Context, userID string, pool []Credential, probe ProbeFunc) (Credential, error) {
	if err := a.committer.ClearPersonalCredential(ctx, userID); err != nil {
		return Credential{}, fmt.Errorf("failed to release current credential: %w", err)
	}
	a.logger.Info("released personal credential, scanning for replacement", "user_id", userID)
	return a.Assign(ctx, userID, pool, probe, nil)
}

func (a *Assigner) begin(userID string) (*AssignmentSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inflight[userID]; ok {
		return nil, ErrAlreadyInProgress
	}
	s := &AssignmentSession{userID: userID, state: StateScanning}
	a.inflight[userID] = s
	return s, nil
}

func (a *Assigner) finish(userID string) {
	a.mu.Lock()
	delete(a.inflight, userID)
	a.mu.Unlock()
}
