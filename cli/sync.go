package cli

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/marketplace"
	"github.com/coder/code-mirror/mirror"
	"github.com/coder/code-mirror/storage"
	"github.com/coder/code-mirror/upstream"
	"github.com/coder/code-mirror/util"
)

func sync() *cobra.Command {
	var (
		artifacts string
		interval  time.Duration

		updateBinaries   bool
		updateExtensions bool
		updateMalicious  bool

		checkAll         bool
		checkRecommended bool
		checkSpecified   bool
		extensionName    string
		extensionSearch  string

		preRelease       bool
		totalRecommended int
		platforms        []string
		qualities        []string

		keepVersions int
		keepBuilds   int
		poolWidth    int

		updateURL      string
		marketplaceURL string
		cdnURL         string
		clientVersion  string
		insider        bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Mirror releases and extensions from the upstream services",
		Example: strings.Join([]string{
			"  code-mirror sync --artifacts ./artifacts --update-binaries --qualities stable",
			"  code-mirror sync --artifacts ./artifacts --update-extensions --check-recommended",
			"  code-mirror sync --artifacts ./artifacts --extension-name ms-python.python",
			"  code-mirror sync --artifacts ./artifacts --update-extensions --check-all --interval 12h",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifacts == "" {
				return xerrors.New("--artifacts or CODE_MIRROR_ARTIFACTS is required")
			}

			mode := mirror.Mode{
				Binaries:          updateBinaries,
				Extensions:        updateExtensions,
				All:               checkAll,
				Recommended:       checkRecommended,
				Specified:         checkSpecified,
				Name:              extensionName,
				Search:            extensionSearch,
				Malicious:         updateMalicious,
				IncludePreRelease: preRelease,
				TotalRecommended:  totalRecommended,
				Qualities:         qualities,
				Platforms:         platforms,
			}
			if !mode.Binaries && !mode.Extensions && mode.Name == "" && mode.Search == "" {
				return xerrors.New("nothing to do; pass --update-binaries, --update-extensions, --extension-name, or --extension-search")
			}
			if mode.Extensions && !checkAll && !checkRecommended && !checkSpecified &&
				extensionName == "" && extensionSearch == "" {
				return xerrors.New("--update-extensions needs a selection; pass --check-all, --check-recommended, or --check-specified")
			}
			for _, platform := range platforms {
				if !mirror.ValidPlatform(platform) {
					return xerrors.Errorf("unknown platform %q", platform)
				}
			}
			for _, quality := range qualities {
				if !util.Contains(marketplace.Qualities, quality) {
					return xerrors.Errorf("unknown quality %q; expected one of %s",
						quality, strings.Join(marketplace.Qualities, ", "))
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), interruptSignals...)
			defer stop()

			logger := commandLogger(cmd)

			store, err := storage.NewStore(artifacts, logger)
			if err != nil {
				return xerrors.Errorf("open artifact store: %w", err)
			}

			client := upstream.New(upstream.Options{
				UpdateURL:      updateURL,
				MarketplaceURL: marketplaceURL,
				CDNURL:         cdnURL,
				ClientVersion:  clientVersion,
				Insider:        insider,
				Logger:         logger,
			})

			syncer := &mirror.Syncer{
				Store:        store,
				Client:       client,
				Logger:       logger,
				PoolWidth:    poolWidth,
				KeepVersions: keepVersions,
				KeepBuilds:   keepBuilds,
			}

			if interval > 0 {
				err := syncer.RunLoop(ctx, mode, interval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			summary, err := syncer.Run(ctx, mode)
			if err != nil {
				return err
			}
			logger.Info(ctx, "Sync finished",
				slog.F("downloaded", util.Plural(summary.Downloaded, "file", "")),
				slog.F("failed", util.Plural(summary.Failed, "file", "")),
				slog.F("extensions", summary.Extensions),
				slog.F("binaries", summary.Binaries),
				slog.F("duration", summary.Duration))
			return nil
		},
	}

	cmd.Flags().StringVar(&artifacts, "artifacts", envDefault("ARTIFACTS", ""), "The path to the mirrored artifact tree.")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Repeat the sync at this interval instead of running once.")

	cmd.Flags().BoolVar(&updateBinaries, "update-binaries", false, "Mirror editor builds.")
	cmd.Flags().BoolVar(&updateExtensions, "update-extensions", false, "Mirror marketplace extensions.")
	cmd.Flags().BoolVar(&updateMalicious, "update-malicious", true, "Refresh the malicious extension list and purge matches.")

	cmd.Flags().BoolVar(&checkAll, "check-all", false, "Mirror every extension in the marketplace. Requires significant disk.")
	cmd.Flags().BoolVar(&checkRecommended, "check-recommended", false, "Mirror the recommended and most installed extensions.")
	cmd.Flags().BoolVar(&checkSpecified, "check-specified", true, "Mirror the extensions listed in specified.json.")
	cmd.Flags().StringVar(&extensionName, "extension-name", "", "Mirror a single extension by its publisher.name identifier.")
	cmd.Flags().StringVar(&extensionSearch, "extension-search", "", "Mirror the extensions matching a marketplace search.")

	cmd.Flags().BoolVar(&preRelease, "prerelease", false, "Include pre-release extension versions.")
	cmd.Flags().IntVar(&totalRecommended, "total-recommended", 500, "How many of the most installed extensions --check-recommended covers.")
	cmd.Flags().StringSliceVar(&platforms, "platforms", nil, "Platform identities to mirror builds for. Defaults to every platform.")
	cmd.Flags().StringSliceVar(&qualities, "qualities", []string{"stable"}, "Build qualities to mirror.")

	cmd.Flags().IntVar(&keepVersions, "keep-versions", 0, "Retain at most this many versions per extension. 0 keeps everything.")
	cmd.Flags().IntVar(&keepBuilds, "keep-builds", 0, "Retain at most this many builds per release track. 0 keeps everything.")
	cmd.Flags().IntVar(&poolWidth, "pool-width", 8, "Concurrent downloads.")

	cmd.Flags().StringVar(&updateURL, "update-url", envDefault("UPDATE_URL", ""), "Override the upstream update endpoint.")
	cmd.Flags().StringVar(&marketplaceURL, "marketplace-url", envDefault("MARKETPLACE_URL", ""), "Override the upstream marketplace query endpoint.")
	cmd.Flags().StringVar(&cdnURL, "cdn-url", envDefault("CDN_URL", ""), "Override the upstream CDN endpoint.")
	cmd.Flags().StringVar(&clientVersion, "client-version", "", "The editor version to present to upstream.")
	cmd.Flags().BoolVar(&insider, "insider", false, "Present as an insider build to upstream.")

	return cmd
}
