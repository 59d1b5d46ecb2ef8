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

	"github.com/roach88/envsync/internal/config"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the refresh chain on its schedule",
		Long: `Start the scheduler and run the refresh, mask, retain chain on the
configured cron schedule until interrupted.

When metricsAddr is set, Prometheus metrics are served at /metrics.

Example:
  envsync serve --config envsync.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
	return cmd
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.log()
	return opts.withApp(ctx, config.Overrides{}, func(a *app) error {
		a.sync(ctx)

		s, err := a.scheduler()
		if err != nil {
			return WrapExitError(ExitCommandError, "build chain", err)
		}

		var srv *http.Server
		serveErr := make(chan error, 1)
		if a.cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			srv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
			}()
			logger.Info("metrics listening", "event", "metrics_listening", "addr", a.cfg.MetricsAddr)
		}

		if err := s.Start(ctx); err != nil {
			return WrapExitError(ExitCommandError, "start scheduler", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Scheduler started for %s -> %s (%s). Next run %s.\n",
			a.cfg.Source, a.cfg.Target, a.cfg.Schedule, s.Next().Format(time.RFC3339))

		var runErr error
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "event", "shutdown")
		case runErr = <-serveErr:
			logger.Error("metrics server failed", "event", "metrics_failed", "error", runErr)
		}

		// Wait for an in-flight cycle; its critical section ignores cancellation.
		<-s.Stop().Done()

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics shutdown", "error", err)
			}
		}
		if runErr != nil {
			return WrapExitError(ExitFailure, "serve metrics", runErr)
		}
		return nil
	})
}
