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

	"github.com/example/lessonsync/internal/lifecycle"
	"github.com/example/lessonsync/internal/metrics"
	"github.com/example/lessonsync/internal/scheduler"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	var (
		user         string
		memoryRemote bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background sync engine until interrupted",
		Long: `Run the background sync engine until interrupted.

Retries the offline queue on a schedule and as soon as connectivity
returns. SIGHUP or SIGUSR1 flushes pending writes; SIGINT or SIGTERM
flushes and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := openApp(ctx, cfg, memoryRemote)
			a.svc.SetUser(user)

			sched := scheduler.New(a.svc, cfg.SyncInterval, a.logger)
			if err := sched.Start(); err != nil {
				_ = a.Close(context.Background())
				return err
			}

			go lifecycle.WatchSignals(ctx, a.svc, a.logger)
			if cfg.ProbeURL != "" {
				prober := lifecycle.NewProber(cfg.ProbeURL, cfg.ProbeInterval, a.logger)
				go prober.Run(ctx, a.svc)
			}

			var srv *http.Server
			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("Metrics server failed", "error", err)
					}
				}()
			}

			a.logger.Info("Sync engine running", "user", user, "online", a.svc.IsOnline())
			<-ctx.Done()
			a.logger.Info("Shutting down")

			sched.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if srv != nil {
				_ = srv.Shutdown(shutdownCtx)
			}
			if err := a.Close(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Authenticated user id")
	cmd.Flags().BoolVar(&memoryRemote, "memory-remote", false, "Use an in-process remote when no DSN is configured")
	return cmd
}
