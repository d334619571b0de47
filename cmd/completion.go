// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var completionShells = map[string]func(root *cobra.Command, w io.Writer, descriptions bool) error{
	"bash": func(root *cobra.Command, w io.Writer, d bool) error { return root.GenBashCompletionV2(w, d) },
	"zsh": func(root *cobra.Command, w io.Writer, d bool) error {
		if d {
			return root.GenZshCompletion(w)
		}
		return root.GenZshCompletionNoDesc(w)
	},
	"fish":       func(root *cobra.Command, w io.Writer, d bool) error { return root.GenFishCompletion(w, d) },
	"powershell": func(root *cobra.Command, w io.Writer, d bool) error { return root.GenPowerShellCompletionWithDesc(w) },
}

func NewCompletionCmd(root *cobra.Command) *cobra.Command {
	var noDesc bool
	c := &cobra.Command{
		Use:   "completion <bash|zsh|fish|powershell>",
		Short: "Generate shell completions",
		Long: `Print a completion script for the given shell.

  molecule completion bash > /etc/bash_completion.d/molecule
  molecule completion zsh > "${fpath[1]}/_molecule"`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: sortedKeys(completionShells),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, ok := completionShells[args[0]]
			if !ok {
				return fmt.Errorf("unsupported shell %q", args[0])
			}
			return gen(root, cmd.OutOrStdout(), !noDesc)
		},
	}
	c.Flags().BoolVar(&noDesc, "no-descriptions", false, "Leave command descriptions out of the completions")
	return c
}
