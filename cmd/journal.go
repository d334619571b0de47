// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flowd-org/molecule/internal/coredb"
	"github.com/flowd-org/molecule/internal/events"
)

func NewJournalCmd(a *app) *cobra.Command {
	var (
		jsonOut bool
		stats   bool
		after   int64
	)
	c := &cobra.Command{
		Use:   "journal [run-id]",
		Short: "Replay the recorded events of a build",
		Args: func(cmd *cobra.Command, args []string) error {
			if stats {
				return cobra.NoArgs(cmd, args)
			}
			if len(args) != 1 {
				return errors.New("requires a run id, e.g. 'molecule journal run-<id>' (see 'molecule history')")
			}
			return nil
		},
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

			if stats {
				st, err := coredb.CollectStorageStats(ctx, db)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(a.stdout, st)
				}
				fmt.Fprintf(a.stdout, "path:            %s\n", st.Path)
				fmt.Fprintf(a.stdout, "driver:          %s\n", st.Driver)
				fmt.Fprintf(a.stdout, "schema version:  %d\n", st.SchemaVersion)
				fmt.Fprintf(a.stdout, "runs:            %d\n", st.Runs)
				for _, status := range sortedKeys(st.RunsByStatus) {
					fmt.Fprintf(a.stdout, "  %-14s %d\n", status+":", st.RunsByStatus[status])
				}
				fmt.Fprintf(a.stdout, "database:        %s of %s\n", humanize.Bytes(uint64(st.BytesUsed)), humanize.Bytes(uint64(st.MaxBytes)))
				fmt.Fprintf(a.stdout, "journal:         %s events, %s of %s\n", humanize.Comma(st.JournalEvents), humanize.Bytes(uint64(st.JournalBytes)), humanize.Bytes(uint64(st.JournalMaxBytes)))
				if st.EvictionActive {
					fmt.Fprintln(a.stdout, "eviction:        active")
				}
				return nil
			}

			runID := args[0]
			journal := coredb.NewJournal(db, a.cfg.JournalMaxBytes)
			first, last, err := journal.Bounds(ctx, runID)
			if err != nil {
				return err
			}
			if last == 0 {
				return fmt.Errorf("no journal entries for run %s (unknown run or evicted)", runID)
			}
			var evs []events.RunEvent
			err = journal.ForEach(ctx, runID, after, func(entry coredb.JournalEntry) error {
				ev, err := events.Decode(entry)
				if err != nil {
					return fmt.Errorf("decode event %d: %w", entry.Seq, err)
				}
				evs = append(evs, ev)
				return nil
			})
			if err != nil {
				return err
			}
			if jsonOut {
				if evs == nil {
					evs = []events.RunEvent{}
				}
				return writeJSON(a.stdout, evs)
			}
			fmt.Fprintf(a.stdout, "# %s: events %d..%d\n", runID, first, last)
			for _, ev := range evs {
				printEvent(a.stdout, ev)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	c.Flags().BoolVar(&stats, "stats", false, "Show database storage statistics instead")
	c.Flags().Int64Var(&after, "after", 0, "Only replay events with a sequence above this one")
	return c
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvent(w io.Writer, ev events.RunEvent) {
	fmt.Fprintf(w, "%s %s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev)
}
