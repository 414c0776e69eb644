package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/zoocwl/internal/server"
	"github.com/me/zoocwl/internal/store"
)

func newServeCmd() *cobra.Command {
	var root, addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve tool logs and job history over HTTP",
		Long: `Publishes <root>/<namespace>/<file>.log, the per-step logs linked from each
job's service logs, and the job history under /api/v1/jobs when JOB_DB is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.LogServerAddr
			}

			var opts []server.Option
			if cfg.JobDB != "" {
				st, err := store.NewSQLiteStore(cfg.JobDB, logger)
				if err != nil {
					return fmt.Errorf("open job history: %w", err)
				}
				defer st.Close()
				if err := st.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate job history: %w", err)
				}
				opts = append(opts, server.WithStore(st))
				logger.Info("job history ready", "path", cfg.JobDB)
			}

			srv := server.New(root, logger, opts...)
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Graceful shutdown
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", addr, "root", root)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", os.TempDir(), "Directory holding the job working areas (the jobs' tmpPath)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default LOG_SERVER_ADDR)")
	return cmd
}
