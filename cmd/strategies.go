// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/flowd-org/molecule/internal/livecd"
)

type strategyInfo struct {
	Name       string            `json:"name"`
	Steps      []string          `json:"steps"`
	Vital      []string          `json:"vital_parameters"`
	Parameters map[string]string `json:"parameters"`
}

func NewStrategiesCmd(a *app) *cobra.Command {
	var jsonOut bool
	c := &cobra.Command{
		Use:   "strategies",
		Short: "List build strategies and their parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := make([]strategyInfo, 0)
			for _, name := range livecd.Names() {
				s, _ := livecd.Get(name)
				info := strategyInfo{Name: name, Vital: s.VitalParameters(), Parameters: map[string]string{}}
				for _, kind := range s.Steps() {
					info.Steps = append(info.Steps, kind.String())
				}
				for key, p := range s.Parameters() {
					info.Parameters[key] = p.Help
				}
				infos = append(infos, info)
			}

			if jsonOut {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			for _, info := range infos {
				fmt.Fprintf(a.stdout, "%s: %s\n", info.Name, strings.Join(info.Steps, " -> "))
				vital := make(map[string]bool, len(info.Vital))
				for _, v := range info.Vital {
					vital[v] = true
				}
				keys := make([]string, 0, len(info.Parameters))
				for k := range info.Parameters {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "  PARAMETER\tREQUIRED\tDESCRIPTION")
				for _, k := range keys {
					req := ""
					if vital[k] {
						req = "yes"
					}
					fmt.Fprintf(tw, "  %s\t%s\t%s\n", k, req, info.Parameters[k])
				}
				tw.Flush()
			}
			return nil
		},
	}
	c.Flags().BoolVar(&jsonOut, "json", false, "Output strategies as JSON")
	return c
}
