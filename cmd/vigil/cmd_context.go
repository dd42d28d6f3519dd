package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/assembler"
)

var (
	contextCompact  bool
	contextMaxChars int
	contextRefresh  bool
	contextJSON     bool
)

// contextCmd represents the context command
var contextCmd = &cobra.Command{
	Use:   "context [resource-id]",
	Short: "Print the historical context for a resource or the infrastructure",
	Long: `Assemble the historical context for one resource, or for the whole
infrastructure when no resource is given.

A resource context holds trends, anomalies, predictions, recent changes,
past remediations and notes. Sections whose source is unavailable are
reported as such and the context is marked partial.

With --refresh (the default) and a configured Prometheus URL, a learning
pass runs first so trends and forecasts reflect current metrics.`,
	Example: `  vigil context                     # Infrastructure overview
  vigil context --compact           # One-paragraph summary
  vigil context web-1               # Context for one resource
  vigil context web-1 --json        # Structured output`,
	Args: cobra.MaximumNArgs(1),
	RunE: runContext,
}

func init() {
	rootCmd.AddCommand(contextCmd)

	contextCmd.Flags().BoolVar(&contextCompact, "compact", false, "Print the compact infrastructure summary")
	contextCmd.Flags().IntVar(&contextMaxChars, "max-chars", 0, "Truncate output to this many characters (default context.max_chars)")
	contextCmd.Flags().BoolVar(&contextRefresh, "refresh", true, "Run a learning pass before assembling")
	contextCmd.Flags().BoolVar(&contextJSON, "json", false, "Print the context as JSON")
}

func runContext(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx, cfg, newLogger("context"), nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if contextRefresh {
		refreshInsights(ctx, eng)
	}

	a := eng.assembler()
	now := time.Now()
	maxChars := contextMaxChars
	if maxChars <= 0 {
		maxChars = cfg.Context.MaxChars
	}
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		rc := a.BuildForResource(ctx, args[0])
		if contextJSON {
			return writeJSON(out, rc)
		}
		_, err := fmt.Fprintln(out, assembler.Truncate(assembler.FormatResourceContext(rc, now), maxChars))
		return err
	}

	ic := a.BuildForInfrastructure(ctx)
	switch {
	case contextJSON:
		return writeJSON(out, ic)
	case contextCompact:
		_, err = fmt.Fprintln(out, assembler.FormatCompactSummary(ic))
	default:
		_, err = fmt.Fprintln(out, assembler.Truncate(assembler.FormatInfrastructureContext(ic, now), maxChars))
	}
	return err
}

// refreshInsights fills the insight cache from the metric source. Failures
// leave the cache empty and are only logged.
func refreshInsights(ctx context.Context, eng *engine) {
	if eng.source == nil {
		return
	}
	d, err := eng.newDaemon(daemonOptions{})
	if err != nil {
		eng.logger.Warn().Err(err).Msg("refresh skipped")
		return
	}
	if err := d.RunLearningCycle(ctx); err != nil {
		eng.logger.Warn().Err(err).Msg("refresh failed")
	}
}
