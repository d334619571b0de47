// SPDX-License-Identifier: AGPL-3.0-or-later
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowd-org/molecule/internal/checksum"
)

func NewVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <image>...",
		Short: "Check images against their " + checksum.Suffix + " sidecars",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, image := range args {
				ok, err := checksum.Verify(image)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(a.stdout, "%s: %v\n", image, err)
				case !ok:
					failed++
					fmt.Fprintf(a.stdout, "%s: FAILED\n", image)
				default:
					fmt.Fprintf(a.stdout, "%s: OK\n", image)
				}
			}
			if failed > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d of %d images failed verification", failed, len(args))}
			}
			return nil
		},
	}
}
