package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/weppcloud/weppcloud/internal/app"
	"github.com/weppcloud/weppcloud/internal/bridge"
	"github.com/weppcloud/weppcloud/internal/common"
	"github.com/weppcloud/weppcloud/internal/redisdb"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued run tasks until SIGTERM",
		Long: `Process queued run tasks until SIGINT or SIGTERM.

SIGUSR1 cancels every job running in this worker without stopping it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	a, err := app.New(ctx, config, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	common.PrintBanner("worker")
	w := a.NewWorker()

	if addr := config.Worker.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", w.Metrics().Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		common.SafeGo(logger, "metrics", func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("address", addr).Msg("Metrics server failed")
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("address", addr).Msg("Metrics available")
	}

	if err := w.Start(); err != nil {
		return err
	}
	logger.Info().
		Str("worker", w.Name()).
		Strs("queues", a.Queue.Manager.Queues()).
		Int("ncpu", config.Worker.ResolveNCPU()).
		Msg("Worker ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGUSR1 {
			n := w.CancelRunning()
			logger.Warn().Int("jobs", n).Msg("SIGUSR1 received, cancelled running jobs")
			continue
		}
		logger.Info().Str("signal", sig.String()).Msg("Shutting down worker")
		break
	}
	w.Stop()
	logger.Info().Msg("Worker stopped")
	return nil
}

func newBridgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Serve the preflight and status websocket bridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			clients := redisdb.NewClients(config.Redis)
			defer clients.Close()
			if err := clients.Ping(cmd.Context(), common.StatusDB); err != nil {
				return err
			}

			common.PrintBanner("bridge")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			s := bridge.New(bridge.ConfigFrom(config.Bridge), clients.MustGet(common.StatusDB), logger)
			return s.Run(ctx)
		},
	}
}
