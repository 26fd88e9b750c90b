package cli

import (
	"fmt"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/upstream"
	"github.com/coder/code-mirror/util"
)

// search queries the upstream marketplace without touching the store.  It
// exists to let operators preview what a sync selection would pull in.
func search() *cobra.Command {
	var (
		limit          int
		engine         string
		marketplaceURL string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the upstream marketplace",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  code-mirror search python",
			"  code-mirror search python --engine 1.100.1",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals...)
			defer stop()

			logger := commandLogger(cmd)
			client := upstream.New(upstream.Options{
				MarketplaceURL: marketplaceURL,
				Logger:         logger,
			})

			exts, err := client.SearchByText(ctx, args[0])
			if err != nil {
				return xerrors.Errorf("search upstream: %w", err)
			}
			if limit > 0 && len(exts) > limit {
				exts = exts[:limit]
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Found %s\n", util.Plural(len(exts), "extension", ""))
			tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tVERSION\tINSTALLS\tCOMPATIBLE")
			for _, ext := range exts {
				version := ""
				compatible := "-"
				if len(ext.Versions) > 0 {
					ver := ext.Versions[0]
					version = ver.Version
					if engine != "" {
						constraint := ver.Property(marketplace.EnginePropertyType)
						if marketplace.EngineCompatible(constraint, engine) {
							compatible = "yes"
						} else {
							compatible = "no"
						}
					}
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%.0f\t%s\n",
					ext.Identity(), version, ext.InstallCount(), compatible)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum results to print.")
	cmd.Flags().StringVar(&engine, "engine", "", "Check compatibility against this editor version.")
	cmd.Flags().StringVar(&marketplaceURL, "marketplace-url", envDefault("MARKETPLACE_URL", ""), "Override the upstream marketplace query endpoint.")

	return cmd
}
