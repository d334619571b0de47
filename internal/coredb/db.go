// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coredb keeps the build journal and run history in one SQLite
// file under the molecule data directory.
//
// The connection is opened in exclusive locking mode, so while a build
// holds the database every other molecule process sees it as locked (see
// IsLocked) and carries on without a journal.
package coredb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowd-org/molecule/internal/paths"
	_ "modernc.org/sqlite"
)

// FileName is the database file created in the data directory.
const FileName = "molecule.db"

const (
	driverName  = "sqlite"
	busyTimeout = 5 * time.Second

	DefaultMaxBytes        int64 = 256 << 20
	DefaultJournalMaxBytes int64 = 64 << 20
)

// Options controls where the database lives and how large it may grow.
type Options struct {
	// DataDir defaults to paths.DataDir().
	DataDir string
	// MaxBytes caps the database file. Zero selects DefaultMaxBytes.
	MaxBytes int64
	// JournalMaxBytes caps the summed payload size of the build journal;
	// older events are evicted to stay under it. Zero selects
	// DefaultJournalMaxBytes.
	JournalMaxBytes int64
}

func (o Options) withDefaults() Options {
	if o.DataDir == "" {
		o.DataDir = paths.DataDir()
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.JournalMaxBytes <= 0 {
		o.JournalMaxBytes = DefaultJournalMaxBytes
	}
	return o
}

// DB is an open molecule database.
type DB struct {
	sql  *sql.DB
	path string
	opts Options
}

// Open creates or upgrades the database in opts.DataDir.
func Open(ctx context.Context, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("coredb: create data dir: %w", err)
	}
	path := filepath.Join(opts.DataDir, FileName)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.ToSlash(path), busyTimeout.Milliseconds())
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("coredb: open %s: %w", path, err)
	}
	// The exclusive lock belongs to a connection; a pool of one keeps it.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := configure(ctx, conn, opts); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &DB{sql: conn, path: path, opts: opts}, nil
}

func configure(ctx context.Context, conn *sql.DB, opts Options) error {
	var pageSize int64
	if err := conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil || pageSize <= 0 {
		pageSize = 4096
	}
	pragmas := []string{
		"locking_mode = EXCLUSIVE",
		"journal_mode = WAL",
		"synchronous = FULL",
		"wal_autocheckpoint = 1000",
		fmt.Sprintf("max_page_count = %d", max(opts.MaxBytes/pageSize, 1)),
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, "PRAGMA "+p); err != nil {
			return fmt.Errorf("coredb: PRAGMA %s: %w", p, err)
		}
	}
	return nil
}

// Close releases the database and its lock. A nil DB is a no-op.
func (db *DB) Close() error {
	if db == nil || db.sql == nil {
		return nil
	}
	return db.sql.Close()
}

// Path returns the database file location.
func (db *DB) Path() string {
	if db == nil {
		return ""
	}
	return db.path
}

// Options returns the options after defaults were applied.
func (db *DB) Options() Options {
	if db == nil {
		return Options{}
	}
	return db.opts
}
