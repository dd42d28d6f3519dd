package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/memory"
	"github.com/yairfalse/vigil/types"
)

var (
	changesSince  time.Duration
	changesLimit  int
	changesDetect bool
	changesJSON   bool
)

// changesCmd represents the changes command
var changesCmd = &cobra.Command{
	Use:   "changes [resource-id]",
	Short: "List detected infrastructure changes",
	Long: `List infrastructure changes detected between successive snapshots:
created, deleted, status, migrated and config changes.

--detect takes a snapshot with the configured provider first and records
the resulting changes, as one daemon change cycle would.`,
	Example: `  vigil changes                  # Changes in the last 24h
  vigil changes --since 168h     # Last week
  vigil changes web-1            # Changes for one resource
  vigil changes --detect         # Snapshot now, then list`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChanges,
}

func init() {
	rootCmd.AddCommand(changesCmd)

	changesCmd.Flags().DurationVar(&changesSince, "since", 24*time.Hour, "Only changes detected within this window")
	changesCmd.Flags().IntVarP(&changesLimit, "limit", "n", 20, "Maximum number of changes")
	changesCmd.Flags().BoolVar(&changesDetect, "detect", false, "Run a change detection pass first")
	changesCmd.Flags().BoolVar(&changesJSON, "json", false, "Print changes as JSON")
}

func runChanges(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx, cfg, newLogger("changes"), nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if changesDetect {
		snapshots, err := eng.snapshotProvider(ctx)
		if err != nil {
			return fmt.Errorf("failed to create snapshot provider: %w", err)
		}
		if snapshots == nil {
			return fmt.Errorf("no snapshot provider configured")
		}
		d, err := eng.newDaemon(daemonOptions{snapshots: snapshots})
		if err != nil {
			return err
		}
		if err := d.RunChangeCycle(ctx); err != nil {
			return err
		}
		if err := eng.persist(ctx); err != nil {
			return fmt.Errorf("failed to persist: %w", err)
		}
	}

	now := time.Now()
	var list []types.Change
	if len(args) == 1 {
		for _, c := range eng.changes.GetChangesForResource(args[0], changesLimit) {
			if now.Sub(c.DetectedAt) <= changesSince {
				list = append(list, c)
			}
		}
	} else {
		list = eng.changes.GetRecentChanges(changesLimit, now.Add(-changesSince))
	}

	out := cmd.OutOrStdout()
	if changesJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No changes detected.")
		return err
	}
	for _, c := range list {
		if _, err := fmt.Fprintf(out, "- [%s] %s (%s)\n", c.Type, c.Description, memory.FormatAge(now.Sub(c.DetectedAt))); err != nil {
			return err
		}
	}
	return nil
}
