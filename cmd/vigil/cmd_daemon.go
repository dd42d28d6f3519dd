package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/internal/daemon"
	"github.com/yairfalse/vigil/internal/emitter"
	itelemetry "github.com/yairfalse/vigil/internal/telemetry"
)

var daemonMetricsAddr string

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background learning daemon",
	Long: `Run Vigil in daemon mode.

The daemon keeps every store current:
- learns metric baselines and refreshes trends and capacity forecasts
- diffs infrastructure snapshots into changes and pattern events
- polls fired alerts into the pattern detector
- prunes expired events and persists state on every maintenance tick

Metrics are served on /metrics and liveness on /healthz.
SIGINT or SIGTERM stops the daemon after a final persist.`,
	Example: `  vigil daemon                          # Run with ~/.vigil and defaults
  vigil daemon -c vigil.toml            # Use a config file
  vigil daemon --metrics-addr :9100     # Custom metrics address
  vigil daemon --pretty --log-level debug`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "Metrics HTTP address (overrides server.metrics_addr)")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := newLogger("daemon")

	provider, err := itelemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := contextWithTimeout(5 * time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	eng, err := openEngine(ctx, cfg, logger, provider.Metrics())
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	snapshots, err := eng.snapshotProvider(ctx)
	if err != nil {
		return fmt.Errorf("failed to create snapshot provider: %w", err)
	}

	promEmitter, err := emitter.NewPrometheusEmitter(provider.Meter())
	if err != nil {
		return fmt.Errorf("failed to create emitter: %w", err)
	}
	emit := emitter.NewMultiEmitter(promEmitter, emitter.NewLogEmitter(logger, 7))
	defer func() { _ = emit.Close() }()

	daemonMetrics, err := daemon.NewDaemonMetricsWithMeter(provider.Meter())
	if err != nil {
		return fmt.Errorf("failed to create daemon metrics: %w", err)
	}

	addr := cfg.Server.MetricsAddr
	if daemonMetricsAddr != "" {
		addr = daemonMetricsAddr
	}

	d, err := eng.newDaemon(daemonOptions{
		snapshots:     snapshots,
		emitter:       emit,
		daemonMetrics: daemonMetrics,
		metricsAddr:   addr,
		handler:       provider.Handler(),
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if eng.source == nil {
		logger.Warn().Msg("no prometheus_url configured, baseline learning is disabled")
	}
	if snapshots == nil {
		logger.Warn().Msg("no snapshot provider configured, change detection is disabled")
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	logger.Info().Msg("daemon stopped")
	return nil
}
