// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flowd-org/molecule/internal/coredb"
)

type historyEntry struct {
	RunID      string     `json:"run_id"`
	Spec       string     `json:"spec"`
	Strategy   string     `json:"strategy"`
	Status     string     `json:"status"`
	ExitCode   int        `json:"exit_code"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

func NewHistoryCmd(a *app) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	c := &cobra.Command{
		Use:   "history",
		Short: "List recent builds from the journal database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := coredb.NewRuns(db).List(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOut {
				out := make([]historyEntry, 0, len(records))
				for _, r := range records {
					entry := historyEntry{
						RunID:      r.RunID,
						Spec:       r.Spec,
						Strategy:   r.Strategy,
						Status:     r.Status,
						ExitCode:   r.ExitCode,
						Error:      r.Error,
						StartedAt:  r.StartedAt,
						DurationMS: r.Duration().Milliseconds(),
					}
					if !r.FinishedAt.IsZero() {
						finished := r.FinishedAt
						entry.FinishedAt = &finished
					}
					out = append(out, entry)
				}
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			if len(records) == 0 {
				fmt.Fprintln(a.stdout, "(no builds recorded)")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tSPEC\tSTATUS\tEXIT\tSTARTED\tDURATION")
			for _, r := range records {
				duration := "-"
				if d := r.Duration(); d > 0 {
					duration = d.Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", r.RunID, r.Spec, r.Status, r.ExitCode, humanize.Time(r.StartedAt), duration)
			}
			return tw.Flush()
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "Maximum number of builds to show (0 for all)")
	c.Flags().BoolVar(&jsonOut, "json", false, "Output history as JSON")
	return c
}

func (a *app) openDB(ctx context.Context) (*coredb.DB, error) {
	db, err := coredb.Open(ctx, coredb.Options{DataDir: a.cfg.DataDir, JournalMaxBytes: a.cfg.JournalMaxBytes})
	if err != nil {
		if coredb.IsLocked(err) {
			return nil, fmt.Errorf("journal database in %s is locked by a running build: %w", a.cfg.DataDir, err)
		}
		return nil, err
	}
	return db, nil
}
