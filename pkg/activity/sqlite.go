package activity

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
)

// SQLiteRecorder persists activity entries to a local SQLite database so
// failures can be diagnosed after the fact.
type SQLiteRecorder struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	logger     *slog.Logger
}

const activitySchema = `
CREATE TABLE IF NOT EXISTS activity (
	id         TEXT PRIMARY KEY,
	time       TIMESTAMP NOT NULL,
	service    TEXT NOT NULL,
	operation  TEXT NOT NULL,
	status     TEXT NOT NULL,
	server     TEXT NOT NULL,
	detail     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_time ON activity(time);
CREATE INDEX IF NOT EXISTS idx_activity_status ON activity(status);`

// NewSQLiteRecorder opens (and if needed creates) the activity database.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure activity database: %w", err)
	}

	if _, err := db.Exec(activitySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create activity schema: %w", err)
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO activity (id, time, service, operation, status, server, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	return &SQLiteRecorder{
		db:         db,
		insertStmt: insertStmt,
		logger:     slog.Default().With("component", "activity"),
	}, nil
}

// Record implements Recorder. Failures are logged and swallowed: the
// activity trail must never fail a request.
func (r *SQLiteRecorder) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	_, err := r.insertStmt.ExecContext(ctx,
		e.ID, e.Time, e.Service, e.Operation, e.Status, e.Server, e.Detail)
	if err != nil {
		r.logger.Warn("failed to record activity entry",
			"operation", e.Operation, "error", err)
	}
}

// Recent returns the most recent entries, newest first.
func (r *SQLiteRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, time, service, operation, status, server, detail
		FROM activity ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Time, &e.Service, &e.Operation, &e.Status, &e.Server, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the recorder.
func (r *SQLiteRecorder) Close() error {
	if r.insertStmt != nil {
		r.insertStmt.Close()
	}
	return r.db.Close()
}
