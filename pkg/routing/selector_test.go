package routing

import (
	"context"
	"errors"
	"testing"

	"monoklix/relay/internal/backendtest"
	"monoklix/relay/pkg/catalog"
	"monoklix/relay/pkg/identity"
	"monoklix/relay/pkg/session"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Server{
		{URL: "https://s1.example.com"},
		{URL: "https://s2.example.com"},
		{URL: "https://s3.example.com"},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return cat
}

func openSession(t *testing.T, user identity.User) *session.Session {
	t.Helper()
	return session.NewManager(nil).Open(user)
}

func standardUser(id string) identity.User {
	return identity.User{ID: id, Username: id, Role: identity.RoleStandard, Status: identity.StatusSubscription}
}

func TestSelect_LeastBusy(t *testing.T) {
	be := backendtest.New()
	be.Usage = map[string]int{
		"https://s1.example.com": 5,
		"https://s2.example.com": 1,
		"https://s3.example.com": 3,
	}

	sel := NewSelector(newTestCatalog(t), be, be, nil)
	sess := openSession(t, standardUser("u1"))

	got, err := sel.Select(context.Background(), sess)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Server.URL != "https://s2.example.com" {
		t.Errorf("expected least-busy s2, got %s", got.Server.URL)
	}
	if got.Strategy != StrategyLeastBusy {
		t.Errorf("expected strategy %q, got %q", StrategyLeastBusy, got.Strategy)
	}
	if got.IsFallback {
		t.Error("least-busy selection must not be marked fallback")
	}
	if rs := sess.RoutingState(); rs == nil || rs.ServerURL != "https://s2.example.com" {
		t.Errorf("routing state not set: %+v", rs)
	}
	if be.UserServers["u1"] != "https://s2.example.com" {
		t.Error("selection was not persisted to the backend")
	}
}

func TestSelect_TieBrokenByCatalogOrder(t *testing.T) {
	be := backendtest.New()
	be.Usage = map[string]int{
		"https://s1.example.com": 2,
		"https://s2.example.com": 2,
		"https://s3.example.com": 2,
	}

	sel := NewSelector(newTestCatalog(t), be, be, nil)

	// Repeated selects must be deterministic for identical counts.
	for i := 0; i < 10; i++ {
		sess := openSession(t, standardUser("u1"))
		got, err := sel.Select(context.Background(), sess)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if got.Server.URL != "https://s1.example.com" {
			t.Fatalf("tie must go to first catalog entry, got %s", got.Server.URL)
		}
	}
}

func TestSelect_MissingCountsDefaultToZero(t *testing.T) {
	be := backendtest.New()
	be.Usage = map[string]int{
		"https://s1.example.com": 1,
		// s2 and s3 absent: both count as zero, s2 wins by order.
	}

	sel := NewSelector(newTestCatalog(t), be, be, nil)
	sess := openSession(t, standardUser("u1"))

	got, err := sel.Select(context.Background(), sess)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got.Server.URL != "https://s2.example.com" {
		t.Errorf("expected s2 (zero usage, first by order), got %s", got.Server.URL)
	}
}

func TestSelect_FallbackOnOracleError(t *testing.T) {
	be := backendtest.New()
	be.UsageErr = errors.New("backend down")

	sel := NewSelector(newTestCatalog(t), be, be, nil)
	seen := make(map[string]int)

	const draws = 600
	for i := 0; i < draws; i++ {
		sess := openSession(t, standardUser("u1"))
		got, err := sel.Select(context.Background(), sess)
		if err != nil {
			t.Fatalf("fallback selection must never fail: %v", err)
		}
		if !got.IsFallback || got.Strategy != StrategyRandomFallback {
			t.Fatalf("expected random fallback, got %+v", got)
		}
		seen[got.Server.URL]++
	}

	// Uniform random over three servers: each expects draws/3 = 200 picks,
	// standard deviation ~11.5. A band of 140..260 is over five standard
	// deviations wide, so a correct implementation essentially never trips
	// it while a skewed one does.
	for _, url := range []string{"https://s1.example.com", "https://s2.example.com", "https://s3.example.com"} {
		if n := seen[url]; n < 140 || n > 260 {
			t.Errorf("server %s selected %d times across %d fallback draws, want roughly uniform (140..260)", url, n, draws)
		}
	}
}

func TestSelect_NoEligibleServers(t *testing.T) {
	be := backendtest.New()
	sel := NewSelector(newTestCatalog(t), be, be, nil)

	// No admin-tagged server exists in the test catalog.
	sess := openSession(t, identity.User{ID: "a1", Role: identity.RoleAdmin})

	_, err := sel.Select(context.Background(), sess)
	if !errors.Is(err, ErrNoEligibleServers) {
		t.Fatalf("expected ErrNoEligibleServers, got %v", err)
	}
}

func TestChoose(t *testing.T) {
	be := backendtest.New()
	sel := NewSelector(newTestCatalog(t), be, be, nil)
	sess := openSession(t, standardUser("u1"))

	var hookCalls int
	sel.RegisterReloadHook(func(Selection) { hookCalls++ })

	got, err := sel.Choose(context.Background(), sess, "https://s3.example.com")
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if got.Strategy != StrategyManual {
		t.Errorf("expected manual strategy, got %q", got.Strategy)
	}
	if rs := sess.RoutingState(); rs == nil || rs.ServerURL != "https://s3.example.com" {
		t.Errorf("routing state not updated: %+v", rs)
	}
	if hookCalls != 1 {
		t.Errorf("expected 1 reload hook call, got %d", hookCalls)
	}

	_, err = sel.Choose(context.Background(), sess, "https://not-in-catalog.example.com")
	if !errors.Is(err, ErrServerNotEligible) {
		t.Fatalf("expected ErrServerNotEligible, got %v", err)
	}
}

func TestAlternate(t *testing.T) {
	be := backendtest.New()
	sel := NewSelector(newTestCatalog(t), be, be, nil)
	sess := openSession(t, standardUser("u1"))
	sess.SetRoutingState("https://s1.example.com")

	for i := 0; i < 50; i++ {
		alt, err := sel.Alternate(sess, "https://s1.example.com")
		if err != nil {
			t.Fatalf("Alternate: %v", err)
		}
		if alt.URL == "https://s1.example.com" {
			t.Fatal("alternate must differ from the excluded server")
		}
	}

	// Routing state is untouched by Alternate.
	if rs := sess.RoutingState(); rs == nil || rs.ServerURL != "https://s1.example.com" {
		t.Errorf("Alternate must not modify routing state: %+v", rs)
	}
}

func TestAlternate_NoOtherServer(t *testing.T) {
	cat, err := catalog.New([]catalog.Server{{URL: "https://only.example.com"}})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	be := backendtest.New()
	sel := NewSelector(cat, be, be, nil)
	sess := openSession(t, standardUser("u1"))

	_, err = sel.Alternate(sess, "https://only.example.com")
	if !errors.Is(err, ErrNoAlternateServer) {
		t.Fatalf("expected ErrNoAlternateServer, got %v", err)
	}
}

func TestSelect_PersistFailureDoesNotFailSelection(t *testing.T) {
	be := backendtest.New()
	be.Usage = map[string]int{"https://s1.example.com": 0}

	sel := NewSelector(newTestCatalog(t), be, failingStore{}, nil)
	sess := openSession(t, standardUser("u1"))

	if _, err := sel.Select(context.Background(), sess); err != nil {
		t.Fatalf("persistence failure must not fail selection: %v", err)
	}
}

type failingStore struct{}

func (failingStore) SetUserServer(ctx context.Context, userID, server string) error {
	return errors.New("store unavailable")
}
