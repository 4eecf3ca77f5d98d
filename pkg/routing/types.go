package routing

import (
	"context"
	"time"

	"monoklix/relay/pkg/catalog"
)

// Strategy names recorded on selections for diagnostics.
const (
	// StrategyLeastBusy is the normal least-usage selection.
	StrategyLeastBusy = "least_busy"

	// StrategyRandomFallback is the degraded uniform-random selection used
	// when the usage oracle is unavailable.
	StrategyRandomFallback = "random_fallback"

	// StrategyManual is a user-initiated explicit server choice.
	StrategyManual = "manual"
)

// Selection is the result of a routing decision.
type Selection struct {
	// Server is the selected catalog entry.
	Server catalog.Server

	// Strategy is how the server was chosen.
	Strategy string

	// Reason explains the decision for the audit trail.
	Reason string

	// IsFallback is true when the usage oracle was unavailable and the
	// selection degraded to uniform random. Affects nothing externally;
	// kept observable for diagnostics.
	IsFallback bool

	// Usage is the server's active-user count at selection time. Zero when
	// the oracle was unavailable.
	Usage int

	// SelectedAt is when the decision was made.
	SelectedAt time.Time
}

// UsageOracle reads per-server active-user counts from the shared backend.
type UsageOracle interface {
	UsageCounts(ctx context.Context) (map[string]int, error)
}

// ServerStore persists a user's current server to the shared backend.
// Writes through this interface are best effort.
type ServerStore interface {
	SetUserServer(ctx context.Context, userID, server string) error
}

// ReloadHook is notified after a manual server change so cached routing
// state elsewhere can be refreshed.
type ReloadHook func(Selection)
