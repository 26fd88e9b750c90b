package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coder/code-mirror/buildinfo"
)

func version() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show mirror version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Version())
			return nil
		},
	}
}
