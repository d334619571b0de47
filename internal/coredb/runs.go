// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowd-org/molecule/internal/metrics"
	"github.com/flowd-org/molecule/internal/observability/tracing"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// RunRecord is one row of build history.
type RunRecord struct {
	RunID      string
	Spec       string
	Strategy   string
	Status     string
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of a finished run. Unfinished runs report zero.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runs is the build history. A row is written with status running when a
// build starts and completed by Finish.
type Runs struct {
	db  *sql.DB
	now func() time.Time
}

func NewRuns(db *DB) *Runs {
	if db == nil {
		return nil
	}
	return &Runs{db: db.sql, now: time.Now}
}

const runColumns = `run_id, spec, strategy, status, exit_code, error, started_at, finished_at`

// Start records a running build.
func (r *Runs) Start(ctx context.Context, runID, spec, strategy string) error {
	if r == nil {
		return nil
	}
	if runID == "" {
		return errors.New("coredb: run id required")
	}
	return r.write(ctx, "insert", runID, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO build_runs (run_id, spec, strategy, status, started_at) VALUES (?, ?, ?, ?, ?)`,
			runID, spec, strategy, RunStatusRunning, r.now().UnixMilli())
		return err
	})
}

// Finish stores the outcome of a build recorded by Start.
func (r *Runs) Finish(ctx context.Context, runID, status string, exitCode int, runErr error) error {
	if r == nil {
		return nil
	}
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	return r.write(ctx, "update", runID, func(ctx context.Context) error {
		res, err := r.db.ExecContext(ctx,
			`UPDATE build_runs SET status = ?, exit_code = ?, error = ?, finished_at = ? WHERE run_id = ?`,
			status, exitCode, msg, r.now().UnixMilli(), runID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil
	})
}

// write wraps a history mutation in a span and a latency observation.
func (r *Runs) write(ctx context.Context, op, runID string, fn func(context.Context) error) (err error) {
	ctx, span := tracing.Start(ctx, "coredb.runs."+op, tracing.Table(runsTable), tracing.Op(op), tracing.RunID(runID))
	timer := metrics.StartStoreTimer(metrics.OpRunsWrite)
	defer func() {
		timer.ObserveErr(err)
		tracing.End(span, &err)
	}()
	if err = fn(ctx); err != nil && !errors.Is(err, ErrRunNotFound) {
		err = fmt.Errorf("coredb: %s run %s: %w", op, runID, err)
	}
	return err
}

// Get returns the history row of runID.
func (r *Runs) Get(ctx context.Context, runID string) (RunRecord, error) {
	if r == nil {
		return RunRecord{}, ErrRunNotFound
	}
	rec, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM build_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rec, err
}

// List returns the newest limit runs, newest first. A non-positive limit
// returns the whole history.
func (r *Runs) List(ctx context.Context, limit int) ([]RunRecord, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM build_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("coredb: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("coredb: list runs: %w", err)
	}
	return out, nil
}

// scanRun reads runColumns from a *sql.Row or *sql.Rows.
func scanRun(row interface{ Scan(...any) error }) (RunRecord, error) {
	var (
		rec               RunRecord
		started, finished int64
	)
	err := row.Scan(&rec.RunID, &rec.Spec, &rec.Strategy, &rec.Status, &rec.ExitCode, &rec.Error, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("coredb: scan run: %w", err)
	}
	rec.StartedAt = time.UnixMilli(started).UTC()
	if finished > 0 {
		rec.FinishedAt = time.UnixMilli(finished).UTC()
	}
	return rec, nil
}
