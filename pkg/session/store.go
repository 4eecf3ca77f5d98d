package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"monoklix/relay/pkg/identity"
)

// IdentityStore persists the last authenticated user so the relay can
// restore routing and credential context after a restart without forcing a
// fresh login. This is the only long-lived local storage the relay keeps;
// everything session-scoped dies with the Session.
type IdentityStore struct {
	db *sql.DB

	saveStmt *sql.Stmt
	loadStmt *sql.Stmt
}

// StoredIdentity is the persisted login context.
type StoredIdentity struct {
	// User is the last authenticated user.
	User identity.User

	// ServerURL is the last selected server, empty when none was stored.
	ServerURL string

	// SavedAt is when the identity was written.
	SavedAt time.Time
}

const identitySchema = `
CREATE TABLE IF NOT EXISTS last_identity (
	slot        INTEGER PRIMARY KEY CHECK (slot = 1),
	user_id     TEXT NOT NULL,
	username    TEXT NOT NULL,
	role        TEXT NOT NULL,
	status      TEXT NOT NULL,
	tier        TEXT NOT NULL,
	server_url  TEXT NOT NULL,
	saved_at    TIMESTAMP NOT NULL
);`

// OpenIdentityStore opens (and if needed creates) the identity database.
func OpenIdentityStore(path string) (*IdentityStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	// WAL for concurrent readers, busy timeout instead of immediate lock
	// failures.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure identity store: %w", err)
	}

	if _, err := db.Exec(identitySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create identity schema: %w", err)
	}

	s := &IdentityStore{db: db}

	s.saveStmt, err = db.Prepare(`
		INSERT INTO last_identity (slot, user_id, username, role, status, tier, server_url, saved_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			user_id = excluded.user_id,
			username = excluded.username,
			role = excluded.role,
			status = excluded.status,
			tier = excluded.tier,
			server_url = excluded.server_url,
			saved_at = excluded.saved_at`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare save statement: %w", err)
	}

	s.loadStmt, err = db.Prepare(`
		SELECT user_id, username, role, status, tier, server_url, saved_at
		FROM last_identity WHERE slot = 1`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare load statement: %w", err)
	}

	return s, nil
}

// Save records the authenticated user and their selected server.
func (s *IdentityStore) Save(ctx context.Context, user identity.User, serverURL string) error {
	_, err := s.saveStmt.ExecContext(ctx,
		user.ID, user.Username, string(user.Role), string(user.Status), string(user.Tier),
		serverURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// Load returns the stored identity. The second return value is false when
// nothing is stored.
func (s *IdentityStore) Load(ctx context.Context) (*StoredIdentity, bool, error) {
	var (
		stored  StoredIdentity
		role    string
		status  string
		tier    string
		savedAt time.Time
	)
	err := s.loadStmt.QueryRowContext(ctx).Scan(
		&stored.User.ID, &stored.User.Username, &role, &status, &tier,
		&stored.ServerURL, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load identity: %w", err)
	}

	stored.User.Role = identity.Role(role)
	stored.User.Status = identity.Status(status)
	stored.User.Tier = identity.Tier(tier)
	stored.SavedAt = savedAt
	return &stored, true, nil
}

// Clear removes the stored identity. Called on logout.
func (s *IdentityStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM last_identity WHERE slot = 1`); err != nil {
		return fmt.Errorf("failed to clear identity: %w", err)
	}
	return nil
}

// Close closes the store.
func (s *IdentityStore) Close() error {
	if s.saveStmt != nil {
		s.saveStmt.Close()
	}
	if s.loadStmt != nil {
		s.loadStmt.Close()
	}
	return s.db.Close()
}
