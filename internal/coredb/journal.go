// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowd-org/molecule/internal/metrics"
	"github.com/flowd-org/molecule/internal/observability/tracing"
)

// JournalEntry is one persisted build event.
type JournalEntry struct {
	Seq       int64
	RunID     string
	EventType string
	Payload   []byte
	Timestamp time.Time
}

// Journal is the append-only build event log. Sequence numbers are global
// and increase across runs. When the summed payload size would pass the
// budget the oldest events, whichever run they belong to, are evicted.
type Journal struct {
	db       *sql.DB
	maxBytes int64
	now      func() time.Time
}

// NewJournal returns the journal of db. A non-positive maxBytes falls back
// to the limit db was opened with.
func NewJournal(db *DB, maxBytes int64) *Journal {
	if db == nil {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = db.opts.withDefaults().JournalMaxBytes
	}
	return &Journal{db: db.sql, maxBytes: maxBytes, now: time.Now}
}

// Append stores one event and returns it with its sequence number. Room is
// made and the row inserted in the same transaction.
func (j *Journal) Append(ctx context.Context, runID, eventType string, payload []byte, ts time.Time) (JournalEntry, error) {
	if j == nil {
		return JournalEntry{}, nil
	}
	if runID == "" || len(payload) == 0 {
		return JournalEntry{}, errors.New("coredb: journal append needs a run id and a payload")
	}
	ctx, span := tracing.Start(ctx, "coredb.journal.append",
		tracing.Table(eventsTable), tracing.Op("append"), tracing.RunID(runID),
		tracing.String("event", eventType), tracing.Int("bytes", len(payload)))
	timer := metrics.StartStoreTimer(metrics.OpJournalAppend)

	entry, err := j.append(ctx, span, runID, eventType, payload, ts)
	switch {
	case err == nil:
		timer.Observe(metrics.OutcomeOK)
		span.SetAttributes(tracing.Int64("seq", entry.Seq))
	case errors.Is(err, ErrJournalQuotaExceeded):
		timer.Observe(metrics.OutcomeQuota)
	default:
		timer.Observe(metrics.OutcomeError)
	}
	tracing.End(span, &err)
	return entry, err
}

func (j *Journal) append(ctx context.Context, span *tracing.Span, runID, eventType string, payload []byte, ts time.Time) (JournalEntry, error) {
	size := int64(len(payload))
	if size > j.maxBytes {
		return JournalEntry{}, fmt.Errorf("%w: %s event of %d bytes, budget %d", ErrJournalQuotaExceeded, eventType, size, j.maxBytes)
	}
	if ts.IsZero() {
		ts = j.now()
	}
	entry := JournalEntry{RunID: runID, EventType: eventType, Payload: bytes.Clone(payload), Timestamp: ts.UTC()}

	err := inTx(ctx, j.db, func(tx *sql.Tx) error {
		freed, err := j.evict(ctx, tx, size)
		if err != nil {
			return err
		}
		if freed > 0 {
			span.SetAttributes(tracing.Int64("evicted_bytes", freed))
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO build_events (run_id, event_type, payload, recorded_at) VALUES (?, ?, ?, ?)`,
			runID, eventType, payload, entry.Timestamp.UnixMilli())
		if err != nil {
			return fmt.Errorf("coredb: insert event: %w", err)
		}
		entry.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// evict deletes the oldest events until incoming more bytes fit in the
// budget and returns the number of payload bytes removed.
func (j *Journal) evict(ctx context.Context, tx *sql.Tx, incoming int64) (int64, error) {
	var used int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(payload)), 0) FROM build_events`).Scan(&used); err != nil {
		return 0, fmt.Errorf("coredb: journal size: %w", err)
	}
	excess := used + incoming - j.maxBytes
	if excess <= 0 {
		return 0, nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT seq, length(payload) FROM build_events ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("coredb: scan journal for eviction: %w", err)
	}
	var (
		cutoff int64
		freed  int64
		sizes  []int64
	)
	for freed < excess && rows.Next() {
		var seq, n int64
		if err := rows.Scan(&seq, &n); err != nil {
			rows.Close()
			return 0, fmt.Errorf("coredb: scan journal for eviction: %w", err)
		}
		cutoff = seq
		freed += n
		sizes = append(sizes, n)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, fmt.Errorf("coredb: scan journal for eviction: %w", err)
	}
	if cutoff == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM build_events WHERE seq <= ?`, cutoff); err != nil {
		return 0, fmt.Errorf("coredb: evict events up to %d: %w", cutoff, err)
	}
	for _, n := range sizes {
		metrics.RecordEviction(n)
	}
	return freed, nil
}

// Bounds returns the first and last retained sequence of a run. Both are
// zero when the run has no events left.
func (j *Journal) Bounds(ctx context.Context, runID string) (first, last int64, err error) {
	if j == nil {
		return 0, 0, nil
	}
	err = j.db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0) FROM build_events WHERE run_id = ?`,
		runID).Scan(&first, &last)
	if err != nil {
		return 0, 0, fmt.Errorf("coredb: journal bounds of %s: %w", runID, err)
	}
	return first, last, nil
}

// ForEach calls fn for every event of runID with a sequence above after,
// oldest first. An error from fn stops the walk and is returned as is.
func (j *Journal) ForEach(ctx context.Context, runID string, after int64, fn func(JournalEntry) error) (err error) {
	if j == nil || fn == nil {
		return nil
	}
	ctx, span := tracing.Start(ctx, "coredb.journal.read",
		tracing.Table(eventsTable), tracing.Op("read"), tracing.RunID(runID), tracing.Int64("after", after))
	timer := metrics.StartStoreTimer(metrics.OpJournalRead)
	seen := 0
	defer func() {
		timer.ObserveErr(err)
		tracing.End(span, &err, tracing.Int("events", seen))
	}()

	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, event_type, payload, recorded_at FROM build_events WHERE run_id = ? AND seq > ? ORDER BY seq`,
		runID, after)
	if err != nil {
		return fmt.Errorf("coredb: read journal of %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		entry := JournalEntry{RunID: runID}
		var millis int64
		if err := rows.Scan(&entry.Seq, &entry.EventType, &entry.Payload, &millis); err != nil {
			return fmt.Errorf("coredb: read journal of %s: %w", runID, err)
		}
		entry.Timestamp = time.UnixMilli(millis).UTC()
		seen++
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("coredb: read journal of %s: %w", runID, err)
	}
	return nil
}
