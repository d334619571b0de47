package coredb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCollectStorageStatsFreshDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := Open(ctx, Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st, err := CollectStorageStats(ctx, db)
	if err != nil {
		t.Fatalf("collect stats: %v", err)
	}
	if st.Path != filepath.Join(dir, FileName) || st.Driver != "sqlite" {
		t.Fatalf("unexpected identity %q %q", st.Path, st.Driver)
	}
	if st.SchemaVersion != SchemaVersion {
		t.Fatalf("expected schema version %d, got %d", SchemaVersion, st.SchemaVersion)
	}
	if st.MaxBytes != DefaultMaxBytes || st.JournalMaxBytes != DefaultJournalMaxBytes {
		t.Fatalf("unexpected limits %d %d", st.MaxBytes, st.JournalMaxBytes)
	}
	if !st.OK || st.EvictionActive || st.Runs != 0 || st.JournalEvents != 0 || st.RunsByStatus != nil {
		t.Fatalf("unexpected stats for a fresh database: %+v", st)
	}
}

func TestCollectStorageStatsCountsRunsAndEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, err := Open(ctx, Options{DataDir: t.TempDir(), JournalMaxBytes: 100})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	runs := NewRuns(db)
	for _, id := range []string{"a", "b", "c"} {
		if err := runs.Start(ctx, id, id+".spec", "livecd"); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}
	if err := runs.Finish(ctx, "a", RunStatusCompleted, 0, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	journal := NewJournal(db, 0)
	payload := []byte(strings.Repeat("x", 46))
	for i := 0; i < 2; i++ {
		if _, err := journal.Append(ctx, "a", "step.log", payload, time.Time{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	st, err := CollectStorageStats(ctx, db)
	if err != nil {
		t.Fatalf("collect stats: %v", err)
	}
	if st.Runs != 3 || st.RunsByStatus[RunStatusRunning] != 2 || st.RunsByStatus[RunStatusCompleted] != 1 {
		t.Fatalf("unexpected run counts %+v", st)
	}
	if st.JournalEvents != 2 || st.JournalBytes != 92 || st.JournalMaxBytes != 100 {
		t.Fatalf("unexpected journal stats %+v", st)
	}
	if !st.EvictionActive {
		t.Fatalf("expected eviction to be reported at 92 of 100 bytes")
	}
}

func TestCollectStorageStatsNoDB(t *testing.T) {
	t.Parallel()
	if _, err := CollectStorageStats(context.Background(), nil); err == nil {
		t.Fatalf("expected error when db nil")
	}
}

func TestOpenAdoptsEmptyFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), nil, 0o600); err != nil {
		t.Fatalf("seed db file: %v", err)
	}
	db, err := Open(ctx, Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A second open finds the schema in place and leaves it alone.
	db, err = Open(ctx, Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st, err := CollectStorageStats(ctx, db)
	if err != nil {
		t.Fatalf("collect stats: %v", err)
	}
	if st.SchemaVersion != SchemaVersion {
		t.Fatalf("expected schema version %d after reopen, got %d", SchemaVersion, st.SchemaVersion)
	}
}
