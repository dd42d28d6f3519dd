package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/internal/config"
	"github.com/yairfalse/vigil/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	logLevel   string
	prettyLogs bool

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "vigil",
		Short: "Temporal Insights Engine",
		Long: `Vigil - Temporal Insights Engine

Vigil learns what normal looks like for every resource, remembers what
changed and what was done about it, and turns that history into a compact
context: trends, anomalies, capacity forecasts, recurring-event predictions,
recent changes and past remediations.

Run the daemon to keep baselines and patterns current, then query context
for a single resource or the whole infrastructure.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Vigil {{.Version}} - Temporal Insights Engine
`)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (TOML, or YAML with a .yaml extension)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "Human-readable console logs instead of JSON")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := zerolog.ParseLevel(loaded.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", loaded.Log.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	cfg = loaded
	return nil
}

// newLogger returns a component logger honouring --pretty
func newLogger(component string) *telemetry.Logger {
	var w io.Writer = os.Stderr
	if prettyLogs {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return telemetry.NewLoggerTo(w, component)
}
