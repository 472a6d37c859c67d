package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/portal-connector/internal/schedule"
	"github.com/sells-group/portal-connector/internal/server"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		a, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer a.Close()

		sched, err := startJobs(ctx, a)
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			sched.Stop(stopCtx)
		}()

		var rl server.WebhookRelay
		if a.relay != nil {
			rl = a.relay
		}
		handler := server.New(a.ingest, a.store, rl, server.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Version:        version,
		}).Handler()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// A scrape request is held open for the whole poll window.
			WriteTimeout: cfg.Scrape.PollTimeout + 2*time.Minute,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				// In-flight scrapes are cancelled and recorded as abandoned.
				zap.L().Warn("graceful shutdown incomplete", zap.Error(err))
				srv.Close() //nolint:errcheck
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// startJobs schedules the reconciler, the GitHub dispatcher and the health
// checker.
func startJobs(ctx context.Context, a *app) (*schedule.Scheduler, error) {
	sched := schedule.New()
	if cfg.Reconcile.Enabled {
		err := sched.Add(ctx, "reconcile", cfg.Reconcile.Schedule, func(ctx context.Context) error {
			_, err := a.reconciler.Run(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	if a.dispatcher != nil {
		err := sched.Add(ctx, "github-dispatch", cfg.GitHub.DispatchSchedule, func(ctx context.Context) error {
			_, err := a.dispatcher.DispatchPending(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	if a.checker != nil {
		err := sched.Add(ctx, "monitoring", cfg.Monitoring.Schedule, func(ctx context.Context) error {
			_, err := a.checker.Check(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	sched.Start()
	return sched, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
