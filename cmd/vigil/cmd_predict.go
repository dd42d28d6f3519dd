package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/assembler"
	"github.com/yairfalse/vigil/patterns"
	"github.com/yairfalse/vigil/types"
)

var (
	predictJSON   bool
	predictRecord string
	predictAt     string
)

// predictCmd represents the predict command
var predictCmd = &cobra.Command{
	Use:   "predict [resource-id]",
	Short: "Show predicted recurring events",
	Long: `Show when recurring events are expected next, ordered by expected time.

A prediction needs at least patterns.min_events occurrences of the same
event kind on the same resource. Confidence grows with history length and
interval regularity.

--record adds an occurrence manually, for example from an incident log.`,
	Example: `  vigil predict                              # All predictions
  vigil predict db-1                         # Predictions for one resource
  vigil predict db-1 --record oom            # Record an OOM now
  vigil predict db-1 --record oom --at 2026-03-01T04:00:00Z`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().BoolVar(&predictJSON, "json", false, "Print predictions as JSON")
	predictCmd.Flags().StringVar(&predictRecord, "record", "", "Record an event of this kind for the resource first")
	predictCmd.Flags().StringVar(&predictAt, "at", "", "RFC3339 time of the recorded event (default now)")
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx, cfg, newLogger("predict"), nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if predictRecord != "" {
		if len(args) != 1 {
			return fmt.Errorf("--record needs a resource id")
		}
		at := time.Now()
		if predictAt != "" {
			if at, err = time.Parse(time.RFC3339, predictAt); err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
		}
		eng.patterns.RecordEvent(args[0], types.EventKind(predictRecord), at, types.SourceManual)
		if err := eng.patterns.Persist(ctx); err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
	}

	var list []patterns.Prediction
	if len(args) == 1 {
		list = eng.patterns.Predictions(args[0])
	} else {
		list = eng.patterns.AllPredictions()
	}

	out := cmd.OutOrStdout()
	if predictJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No recurring patterns detected yet.")
		return err
	}
	for _, p := range list {
		if _, err := fmt.Fprintf(out, "%s: %s\n", p.ResourceID, assembler.FormatPrediction(p)); err != nil {
			return err
		}
	}
	return nil
}
