// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"errors"
	"fmt"
)

// StorageStats summarises what the database holds and how close it is to
// its limits.
type StorageStats struct {
	Path            string           `json:"path"`
	Driver          string           `json:"driver"`
	SchemaVersion   int64            `json:"schema_version"`
	BytesUsed       int64            `json:"bytes_used"`
	MaxBytes        int64            `json:"max_bytes"`
	JournalEvents   int64            `json:"journal_events"`
	JournalBytes    int64            `json:"journal_bytes"`
	JournalMaxBytes int64            `json:"journal_max_bytes"`
	Runs            int64            `json:"runs"`
	RunsByStatus    map[string]int64 `json:"runs_by_status,omitempty"`
	// EvictionActive is set once either budget is nine tenths used.
	EvictionActive bool `json:"eviction_active"`
	OK             bool `json:"ok"`
}

// CollectStorageStats reads the database size, journal footprint and run
// counts.
func CollectStorageStats(ctx context.Context, db *DB) (StorageStats, error) {
	if db == nil || db.sql == nil {
		return StorageStats{}, errors.New("coredb: database not open")
	}
	st := StorageStats{
		Path:            db.path,
		Driver:          driverName,
		MaxBytes:        db.opts.MaxBytes,
		JournalMaxBytes: db.opts.JournalMaxBytes,
	}

	var pageSize, pageCount int64
	probes := []struct {
		query string
		into  *int64
	}{
		{"PRAGMA page_size", &pageSize},
		{"PRAGMA page_count", &pageCount},
		{"PRAGMA user_version", &st.SchemaVersion},
		{"SELECT COUNT(*) FROM " + eventsTable, &st.JournalEvents},
		{"SELECT COALESCE(SUM(length(payload)), 0) FROM " + eventsTable, &st.JournalBytes},
		{"SELECT COUNT(*) FROM " + runsTable, &st.Runs},
	}
	for _, p := range probes {
		if err := db.sql.QueryRowContext(ctx, p.query).Scan(p.into); err != nil {
			return st, fmt.Errorf("coredb: stats %q: %w", p.query, err)
		}
	}
	st.BytesUsed = pageSize * pageCount

	rows, err := db.sql.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+runsTable+" GROUP BY status")
	if err != nil {
		return st, fmt.Errorf("coredb: stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("coredb: stats by status: %w", err)
		}
		if st.RunsByStatus == nil {
			st.RunsByStatus = make(map[string]int64)
		}
		st.RunsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("coredb: stats by status: %w", err)
	}

	st.OK = st.BytesUsed < st.MaxBytes
	st.EvictionActive = nearLimit(st.JournalBytes, st.JournalMaxBytes) || nearLimit(st.BytesUsed, st.MaxBytes)
	return st, nil
}

func nearLimit(used, limit int64) bool {
	return limit > 0 && used*10 >= limit*9
}
