// Package routing picks a proxy server for a user: least-busy selection over
// the eligible set, with uniform-random fallback when the usage oracle is
// unavailable.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"monoklix/relay/pkg/catalog"
	"monoklix/relay/pkg/session"
	"monoklix/relay/pkg/telemetry/metrics"
)

// Selector implements the load balancer. It is safe for concurrent use.
type Selector struct {
	catalog *catalog.Catalog
	oracle  UsageOracle
	store   ServerStore
	metrics *metrics.Collector
	logger  *slog.Logger

	mu    sync.Mutex
	hooks []ReloadHook
}

// NewSelector creates a load balancer over the given catalog. The oracle
// supplies usage counts; the store receives best-effort persistence of each
// user's selection.
func NewSelector(cat *catalog.Catalog, oracle UsageOracle, store ServerStore, collector *metrics.Collector) *Selector {
	return &Selector{
		catalog: cat,
		oracle:  oracle,
		store:   store,
		metrics: collector,
		logger:  slog.Default().With("component", "routing"),
	}
}

// RegisterReloadHook adds a hook run after every manual server change.
func (s *Selector) RegisterReloadHook(hook ReloadHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// Select picks a server for the session's user and persists it into the
// session's routing state.
//
// Algorithm: fetch the eligible set; fetch usage counts, defaulting missing
// servers to zero; pick the minimum, ties broken by catalog order (first
// listed wins, deterministic to avoid oscillation). If the usage fetch
// fails, degrade to uniform random over the eligible set and tag the
// selection as a fallback. The selection is written to the backend best
// effort; persistence failure never fails the selection.
func (s *Selector) Select(ctx context.Context, sess *session.Session) (*Selection, error) {
	user := sess.User()

	eligible, err := s.catalog.EligibleServers(&user)
	if err != nil {
		return nil, &NoEligibleServersError{UserID: user.ID, Cause: err}
	}

	var sel *Selection

	counts, err := s.oracle.UsageCounts(ctx)
	if err != nil {
		// Oracle down is transient: degrade, don't fail.
		s.logger.Warn("usage oracle unavailable, falling back to random selection",
			"user_id", user.ID, "error", err)
		pick := eligible[rand.Intn(len(eligible))]
		sel = &Selection{
			Server:     pick,
			Strategy:   StrategyRandomFallback,
			Reason:     "usage oracle unavailable",
			IsFallback: true,
			SelectedAt: time.Now(),
		}
		s.metrics.RecordSelection(StrategyRandomFallback)
	} else {
		pick := leastBusy(eligible, counts)
		sel = &Selection{
			Server:     pick,
			Strategy:   StrategyLeastBusy,
			Reason:     fmt.Sprintf("least busy (%d active users)", counts[pick.URL]),
			Usage:      counts[pick.URL],
			SelectedAt: time.Now(),
		}
		s.metrics.RecordSelection(StrategyLeastBusy)
	}

	sess.SetRoutingState(sel.Server.URL)
	s.persist(ctx, user.ID, sel.Server.URL)

	s.logger.Info("server selected",
		"user_id", user.ID,
		"server", sel.Server.URL,
		"strategy", sel.Strategy,
		"fallback", sel.IsFallback,
	)
	return sel, nil
}

// Choose applies a user-initiated explicit server choice. The server must be
// in the user's eligible set. Registered reload hooks run afterwards so any
// cached routing state is refreshed.
func (s *Selector) Choose(ctx context.Context, sess *session.Session, serverURL string) (*Selection, error) {
	user := sess.User()

	eligible, err := s.catalog.EligibleServers(&user)
	if err != nil {
		return nil, &NoEligibleServersError{UserID: user.ID, Cause: err}
	}

	var picked *catalog.Server
	for i := range eligible {
		if eligible[i].URL == serverURL {
			picked = &eligible[i]
			break
		}
	}
	if picked == nil {
		return nil, &ServerNotEligibleError{ServerURL: serverURL, UserID: user.ID}
	}

	sel := &Selection{
		Server:     *picked,
		Strategy:   StrategyManual,
		Reason:     "user-selected server",
		SelectedAt: time.Now(),
	}

	sess.SetRoutingState(sel.Server.URL)
	s.persist(ctx, user.ID, sel.Server.URL)
	s.metrics.RecordSelection(StrategyManual)

	s.mu.Lock()
	hooks := make([]ReloadHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(*sel)
	}

	s.logger.Info("server changed manually", "user_id", user.ID, "server", serverURL)
	return sel, nil
}

// Alternate returns a uniformly-random eligible server other than exclude.
// The executor uses this during failover; the routing state is not touched
// here.
func (s *Selector) Alternate(sess *session.Session, exclude string) (catalog.Server, error) {
	user := sess.User()

	eligible, err := s.catalog.EligibleServers(&user)
	if err != nil {
		return catalog.Server{}, &NoEligibleServersError{UserID: user.ID, Cause: err}
	}

	var others []catalog.Server
	for _, srv := range eligible {
		if srv.URL != exclude {
			others = append(others, srv)
		}
	}
	if len(others) == 0 {
		return catalog.Server{}, ErrNoAlternateServer
	}
	return others[rand.Intn(len(others))], nil
}

// persist writes the user's server to the backend. Best effort: failures are
// logged, never propagated.
func (s *Selector) persist(ctx context.Context, userID, serverURL string) {
	if err := s.store.SetUserServer(ctx, userID, serverURL); err != nil {
		s.logger.Warn("failed to persist server selection",
			"user_id", userID, "server", serverURL, "error", err)
	}
}

// leastBusy returns the eligible server with the minimum usage count.
// Servers absent from the counts map count as zero. Ties are broken by slice
// order, which is catalog order.
func leastBusy(eligible []catalog.Server, counts map[string]int) catalog.Server {
	best := eligible[0]
	bestCount := counts[best.URL]
	for _, srv := range eligible[1:] {
		if counts[srv.URL] < bestCount {
			best = srv
			bestCount = counts[srv.URL]
		}
	}
	return best
}
