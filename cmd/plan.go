// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flowd-org/molecule/internal/livecd"
	"github.com/flowd-org/molecule/internal/specloader"
	"github.com/flowd-org/molecule/internal/types"
)

func NewPlanCmd(a *app) *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "plan <spec>",
		Short: "Preview the steps of a spec (no execution)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specloader.Load(args[0], livecd.Lookup)
			if err != nil {
				return err
			}
			deps := livecd.Deps{
				ChrootBinary: a.cfg.ChrootBinary,
				Tools:        livecd.DefaultTools().WithOverrides(a.cfg.Tools),
			}
			plan, err := livecd.Preview(spec, deps)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}
			printPlan(a.stdout, plan)
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "Output plan as JSON")
	return c
}

func printPlan(w io.Writer, plan types.Plan) {
	fmt.Fprintf(w, "Spec: %s\n", plan.Spec)
	fmt.Fprintf(w, "Strategy: %s\n", plan.Strategy)
	if plan.Release != "" {
		fmt.Fprintf(w, "Release: %s\n", plan.Release)
	}
	for i, s := range plan.Steps {
		fmt.Fprintf(w, "\n%d. %s\n", i+1, s.Name)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, k := range sortedKeys(s.Paths) {
			fmt.Fprintf(tw, "  %s\t%s\n", k, s.Paths[k])
		}
		for _, k := range sortedKeys(s.Hooks) {
			fmt.Fprintf(tw, "  %s\t%s\n", k, s.Hooks[k])
		}
		tw.Flush()
		for _, c := range s.Commands {
			fmt.Fprintf(w, "  $ %s\n", c)
		}
		for _, t := range s.Tools {
			if t.Status != "present" {
				fmt.Fprintf(w, "  [warn] %s not found\n", t.Name)
			}
		}
	}
	for _, warning := range plan.Warnings {
		fmt.Fprintf(w, "[warn] %s\n", warning)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
