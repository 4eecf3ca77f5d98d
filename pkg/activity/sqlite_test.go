package activity

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	rec, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "activity.db"))
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec
}

func TestRecordAndRecent(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec.Record(ctx, Entry{
		ID:        "e1",
		Time:      base,
		Service:   "imagen",
		Operation: "IMAGEN GENERATE",
		Status:    "error",
		Server:    "https://s1.example.com",
		Detail:    "quota exceeded",
	})
	rec.Record(ctx, Entry{
		ID:        "e2",
		Time:      base.Add(time.Minute),
		Service:   "veo",
		Operation: "VEO GENERATE",
		Status:    "error",
		Server:    "https://s2.example.com",
		Detail:    "network failure",
	})

	entries, err := rec.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].ID != "e2" || entries[1].ID != "e1" {
		t.Errorf("unexpected order: %s, %s", entries[0].ID, entries[1].ID)
	}
	if entries[1].Detail != "quota exceeded" {
		t.Errorf("unexpected detail %q", entries[1].Detail)
	}
	if entries[0].Service != "veo" {
		t.Errorf("unexpected service %q", entries[0].Service)
	}
}

func TestRecordFillsDefaults(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	rec.Record(ctx, Entry{
		Service:   "imagen",
		Operation: "IMAGEN GENERATE",
		Status:    "error",
		Server:    "https://s1.example.com",
		Detail:    "boom",
	})

	entries, err := rec.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID == "" {
		t.Error("expected a generated id")
	}
	if entries[0].Time.IsZero() {
		t.Error("expected a generated timestamp")
	}
}

func TestRecentLimit(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec.Record(ctx, Entry{
			Service:   "imagen",
			Operation: "IMAGEN GENERATE",
			Status:    "error",
			Server:    "https://s1.example.com",
			Detail:    "x",
		})
	}

	entries, err := rec.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(entries))
	}
}
