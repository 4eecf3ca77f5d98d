package catalog

import (
	"testing"

	"monoklix/relay/pkg/identity"
)

func testServers() []Server {
	return []Server{
		{URL: "https://s1.example.com"},
		{URL: "https://s2.example.com"},
		{URL: "https://s3.example.com", Tags: []Tag{TagBatch02}},
		{URL: "https://s4.example.com", Tags: []Tag{TagBatch02}},
		{URL: "https://apple.example.com", Tags: []Tag{TagApple}},
		{URL: "https://admin.example.com", Tags: []Tag{TagAdmin}},
	}
}

func TestNew_EmptyCatalog(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty catalog, got nil")
	}
}

func TestEligibleServers(t *testing.T) {
	cat, err := New(testServers())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name string
		user identity.User
		want []string
	}{
		{
			name: "default tier gets untagged pool",
			user: identity.User{ID: "u1", Role: identity.RoleStandard, Status: identity.StatusSubscription},
			want: []string{"https://s1.example.com", "https://s2.example.com"},
		},
		{
			name: "batch_02 tier gets batch pool",
			user: identity.User{ID: "u2", Role: identity.RoleStandard, Status: identity.StatusLifetime, Tier: identity.TierBatch02},
			want: []string{"https://s3.example.com", "https://s4.example.com"},
		},
		{
			name: "apple user gets apple server only",
			user: identity.User{ID: "u3", Status: identity.StatusAppleUser},
			want: []string{"https://apple.example.com"},
		},
		{
			name: "admin gets admin server only",
			user: identity.User{ID: "u4", Role: identity.RoleAdmin, Status: identity.StatusAdmin},
			want: []string{"https://admin.example.com"},
		},
		{
			name: "apple status wins over admin role",
			user: identity.User{ID: "u5", Role: identity.RoleAdmin, Status: identity.StatusAppleUser},
			want: []string{"https://apple.example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cat.EligibleServers(&tt.user)
			if err != nil {
				t.Fatalf("EligibleServers: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d servers, got %d", len(tt.want), len(got))
			}
			for i, url := range tt.want {
				if got[i].URL != url {
					t.Errorf("server %d: expected %q, got %q", i, url, got[i].URL)
				}
			}
		})
	}
}

func TestEligibleServers_EmptyPool(t *testing.T) {
	cat, err := New([]Server{{URL: "https://s1.example.com"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	admin := identity.User{ID: "a", Role: identity.RoleAdmin}
	if _, err := cat.EligibleServers(&admin); err == nil {
		t.Error("expected error when no admin server is configured")
	}

	batch := identity.User{ID: "b", Tier: identity.TierBatch02}
	if _, err := cat.EligibleServers(&batch); err == nil {
		t.Error("expected error when no batch_02 server is configured")
	}
}

func TestReload(t *testing.T) {
	cat, err := New(testServers())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := cat.Reload(nil); err == nil {
		t.Error("expected Reload to refuse an empty fleet")
	}
	if len(cat.Servers()) != len(testServers()) {
		t.Error("failed reload must keep the previous snapshot")
	}

	next := []Server{{URL: "https://new.example.com"}}
	if err := cat.Reload(next); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got := cat.Servers()
	if len(got) != 1 || got[0].URL != "https://new.example.com" {
		t.Errorf("unexpected snapshot after reload: %+v", got)
	}
}

func TestLookup(t *testing.T) {
	cat, err := New(testServers())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv, ok := cat.Lookup("https://apple.example.com")
	if !ok {
		t.Fatal("expected to find apple server")
	}
	if !srv.HasTag(TagApple) {
		t.Error("expected apple tag on looked-up server")
	}

	if _, ok := cat.Lookup("https://missing.example.com"); ok {
		t.Error("expected miss for unknown URL")
	}
}
