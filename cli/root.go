package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
)

func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "code-mirror",
		SilenceErrors: true,
		SilenceUsage:  true,
		Long:          "Code extension marketplace and update mirror for offline networks",
		Example: strings.Join([]string{
			"  code-mirror sync --artifacts ./artifacts --update-extensions --check-recommended",
			"  code-mirror server --artifacts ./artifacts",
		}, "\n"),
	}

	cmd.AddCommand(server(), sync(), search(), version())

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")

	return cmd
}

// commandLogger builds the logger every subcommand shares, honoring the
// persistent verbose flag.
func commandLogger(cmd *cobra.Command) slog.Logger {
	logger := slog.Make(sloghuman.Sink(cmd.ErrOrStderr()))
	verbose, err := cmd.Flags().GetBool("verbose")
	if err == nil && verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

// envDefault lets flags fall back to CODE_MIRROR_* environment variables so
// containers can be configured without argument lists.
func envDefault(name, fallback string) string {
	if v := os.Getenv("CODE_MIRROR_" + name); v != "" {
		return v
	}
	return fallback
}
