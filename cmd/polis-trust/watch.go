package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/polisai/polis-trust/internal/trust"
	"github.com/polisai/polis-trust/pkg/config"
	"github.com/polisai/polis-trust/pkg/logging"
	"github.com/polisai/polis-trust/pkg/monitor"
	"github.com/polisai/polis-trust/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const defaultMetricsAddr = ":9464"

func newWatchCmd() *cobra.Command {
	var flags bundleFlags
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load the trust bundle, serve its health and report drift until stopped",
		Long: `Initialize the trust provider once, serve /metrics, /healthz and /issuers, and
log a drift event whenever the bundle file changes on disk. The running
provider keeps the bundle it loaded; restart the process to apply changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve()
			if err != nil {
				return err
			}

			logger := newLogger(cmd)
			if !cmd.Flags().Changed("log-level") {
				pretty, _ := cmd.Flags().GetBool("pretty")
				logger = logging.NewLogger(logging.Config{
					Level:  cfg.Logging.Level,
					Pretty: pretty || cfg.Logging.Pretty,
					Output: cmd.ErrOrStderr(),
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics, collector, shutdownMetrics, err := newWatchMetrics(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownMetrics(context.Background()); err != nil {
					logger.Warn("Failed to shut down meter provider", "error", err)
				}
			}()

			src := cfg.Source()
			provider := trust.NewProvider(cfg.ProviderOptions(logger, collector))
			if err := provider.Initialize(ctx, src); err != nil {
				// Failed is terminal; report it and exit so the supervisor restarts us.
				return err
			}

			metrics.ObserveProvider(provider)
			server := monitor.NewServer(metricsAddr, provider, metrics, logger)

			shutdownTracing, err := telemetry.SetupFromProvider(ctx, telemetryConfig(cfg), provider)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Warn("Failed to flush traces", "error", err)
				}
			}()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.ListenAndServe(gctx)
			})

			if _, ok := trust.PathOf(src); ok {
				watcher, err := trust.WatchProvider(gctx, provider, src, trust.WatcherOptions{
					Logger:  logger,
					Metrics: collector,
				})
				if err != nil {
					stop()
					_ = g.Wait()
					return err
				}
				g.Go(func() error {
					<-gctx.Done()
					return watcher.Close()
				})
				g.Go(func() error {
					metrics.ConsumeDrift(gctx, watcher.Events(), func(event trust.DriftEvent) {
						logger.Warn("Trust bundle changed on disk, restart required to apply it",
							"kind", string(event.Kind),
							"path", event.Path,
						)
					})
					return nil
				})
			} else {
				logger.Info("Trust bundle is not file backed, drift watching disabled", "source", src.Name())
			}

			logger.Info("Trust provider ready",
				"provider_id", provider.ID(),
				"certificates", provider.Bundle().Len(),
				"metrics_addr", metricsAddr,
			)
			return g.Wait()
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", defaultMetricsAddr, "Address for /metrics, /healthz and /issuers")
	return cmd
}

func telemetryConfig(cfg *config.Config) telemetry.Config {
	return telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	}
}

// newWatchMetrics builds the Prometheus registry served on /metrics and a
// trust metrics collector exporting into it.
func newWatchMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*monitor.Metrics, *trust.MetricsCollector, func(context.Context) error, error) {
	metrics := monitor.NewMetrics()

	meterProvider, err := telemetry.NewPrometheusMeterProvider(ctx, telemetryConfig(cfg), metrics.Registry())
	if err != nil {
		return nil, nil, nil, err
	}

	collector, err := trust.NewMetricsCollector(meterProvider, logger)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, nil, nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	return metrics, collector, meterProvider.Shutdown, nil
}
