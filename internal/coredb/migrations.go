// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"fmt"
)

// Table names.
const (
	eventsTable = "build_events"
	runsTable   = "build_runs"
)

// migrations are applied in order. The database records how many have run
// in PRAGMA user_version, so entries must only ever be appended.
var migrations = []string{
	`CREATE TABLE build_events (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT    NOT NULL,
		event_type  TEXT    NOT NULL,
		payload     BLOB    NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE INDEX build_events_run ON build_events(run_id, seq)`,
	`CREATE TABLE build_runs (
		run_id      TEXT PRIMARY KEY,
		spec        TEXT    NOT NULL,
		strategy    TEXT    NOT NULL,
		status      TEXT    NOT NULL,
		exit_code   INTEGER NOT NULL DEFAULT 0,
		error       TEXT    NOT NULL DEFAULT '',
		started_at  INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX build_runs_started ON build_runs(started_at)`,
}

// SchemaVersion is the user_version of a fully migrated database.
var SchemaVersion = int64(len(migrations))

func migrate(ctx context.Context, conn *sql.DB) error {
	var current int64
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("coredb: read schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("coredb: schema version %d is newer than this build supports (%d)", current, SchemaVersion)
	}
	if current == SchemaVersion {
		return nil
	}
	return inTx(ctx, conn, func(tx *sql.Tx) error {
		for i, stmt := range migrations[current:] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("coredb: migration %d: %w", int(current)+i+1, err)
			}
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return fmt.Errorf("coredb: record schema version: %w", err)
		}
		return nil
	})
}

// inTx runs fn in a transaction, committing when it returns nil.
func inTx(ctx context.Context, conn *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("coredb: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("coredb: commit: %w", err)
	}
	return nil
}
