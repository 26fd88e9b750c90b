package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog"

	"github.com/coder/code-mirror/api"
	"github.com/coder/code-mirror/database"
	"github.com/coder/code-mirror/storage"
)

func server() *cobra.Command {
	var (
		artifacts      string
		address        string
		rateLimit      int
		maxPageSize    int
		reloadInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the mirrored gallery and update API",
		Example: strings.Join([]string{
			"  code-mirror server --artifacts ./artifacts",
			"  code-mirror server --artifacts ./artifacts --address 0.0.0.0:8080",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifacts == "" {
				return xerrors.New("--artifacts or CODE_MIRROR_ARTIFACTS is required")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			notifyCtx, notifyStop := signal.NotifyContext(ctx, interruptSignals...)
			defer notifyStop()

			logger := commandLogger(cmd)

			// A separate listener is required to get the resulting address (as
			// opposed to using http.ListenAndServe()).
			listener, err := net.Listen("tcp", address)
			if err != nil {
				return xerrors.Errorf("listen %q: %w", address, err)
			}
			defer listener.Close()
			tcpAddr, valid := listener.Addr().(*net.TCPAddr)
			if !valid {
				return xerrors.New("must be listening on tcp")
			}
			logger.Info(ctx, "Starting API server", slog.F("address", tcpAddr))

			store, err := storage.NewStore(artifacts, logger)
			if err != nil {
				return xerrors.Errorf("open artifact store: %w", err)
			}

			db, err := database.Open(ctx, store, logger)
			if err != nil {
				return xerrors.Errorf("build extension snapshot: %w", err)
			}

			mapi := api.New(&api.Options{
				Database:    db,
				Store:       store,
				Logger:      logger,
				RateLimit:   rateLimit,
				MaxPageSize: maxPageSize,
			})
			server := &http.Server{
				Handler: mapi.Handler,
				BaseContext: func(_ net.Listener) context.Context {
					return ctx
				},
			}
			eg := errgroup.Group{}
			eg.Go(func() error {
				return server.Serve(listener)
			})
			eg.Go(func() error {
				// Reloads snapshots when the synchronizer signals a finished
				// pass.  Exits cleanly on cancellation.
				err := db.Watch(ctx, reloadInterval)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			errCh := make(chan error, 1)
			go func() {
				select {
				case errCh <- eg.Wait():
				default:
				}
			}()

			// Wait for an interrupt or error.
			var exitErr error
			select {
			case <-notifyCtx.Done():
				exitErr = notifyCtx.Err()
				logger.Info(ctx, "Interrupt caught, gracefully exiting...")
			case exitErr = <-errCh:
			}
			if exitErr != nil && !errors.Is(exitErr, context.Canceled) {
				logger.Error(ctx, "Unexpected error, shutting down server...", slog.Error(exitErr))
			}

			// Shut down the server.
			logger.Info(ctx, "Shutting down API server...")
			cancel() // Cancel in-flight requests since Shutdown() will not do this.
			timeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = server.Shutdown(timeout)
			if err != nil {
				logger.Error(ctx, "API server shutdown took longer than 5s", slog.Error(err))
			} else {
				logger.Info(ctx, "Gracefully shut down API server\n")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&artifacts, "artifacts", envDefault("ARTIFACTS", ""), "The path to the mirrored artifact tree.")
	cmd.Flags().StringVar(&address, "address", envDefault("ADDRESS", "127.0.0.1:3001"), "The address on which to serve the mirror API.")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 512, "Requests per minute allowed per IP and endpoint. Set to -1 to disable.")
	cmd.Flags().IntVar(&maxPageSize, "max-page-size", api.MaxPageSizeDefault, "The maximum page size for extension queries.")
	cmd.Flags().DurationVar(&reloadInterval, "reload-interval", time.Minute, "How often to check for a missed update signal.")

	return cmd
}
