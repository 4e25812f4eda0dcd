package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/logging"
	"github.com/RevCBH/switchyard/internal/orchestrator"
)

// loopbackRunDuration is how long a simulated run streams before its
// terminal envelope
const loopbackRunDuration = 15 * time.Second

// NewServeCmd creates the 'serve' command
func NewServeCmd(a *App) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane until SIGINT or SIGTERM, then drain
gracefully.

Runs execute on the built-in loopback fleet: provisioned runtimes
heartbeat on a timer and dispatched runs stream a short scripted
session. A container driver replaces the loopback by implementing the
runtime gateway interface.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(a.cfgPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, a.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			guard := pidFileFor(cfg.Database.Path)
			if err := guard.acquire(); err != nil {
				return err
			}
			defer func() {
				if err := guard.release(); err != nil {
					log.Warn("failed to remove pidfile", zap.Error(err))
				}
			}()

			loopback := gateway.NewLoopback(cfg.HeartbeatInterval(), loopbackRunDuration)
			defer loopback.Close()

			svc, err := orchestrator.New(cfg, loopback, loopback, log, nil)
			if err != nil {
				return err
			}
			loopback.SetHandlers(svc.HandleHeartbeat, svc.HandleEventFrame)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("control plane serving",
				zap.String("database", cfg.Database.Path),
				zap.String("metrics_addr", metricsAddr))

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return svc.Run(groupCtx)
			})
			group.Go(func() error {
				return serveMetrics(groupCtx, log, metricsAddr)
			})
			return group.Wait()
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address")

	return cmd
}

// serveMetrics exposes /metrics until ctx is cancelled
func serveMetrics(ctx context.Context, log *logging.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
