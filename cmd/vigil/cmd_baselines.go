package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/baseline"
)

var (
	baselinesAll  bool
	baselinesJSON bool
)

// baselinesCmd represents the baselines command
var baselinesCmd = &cobra.Command{
	Use:   "baselines [resource-id]",
	Short: "List learned metric baselines",
	Long: `List the learned baselines, optionally for one resource.

Only mature baselines (at least learning.min_samples samples) are used for
anomaly detection; pass --all to include immature ones.`,
	Example: `  vigil baselines             # All mature baselines
  vigil baselines db-1        # Baselines for one resource
  vigil baselines --all       # Include immature baselines`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBaselines,
}

func init() {
	rootCmd.AddCommand(baselinesCmd)

	baselinesCmd.Flags().BoolVar(&baselinesAll, "all", false, "Include immature baselines")
	baselinesCmd.Flags().BoolVar(&baselinesJSON, "json", false, "Print baselines as JSON")
}

func runBaselines(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context(), cfg, newLogger("baselines"), nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	var list []baseline.MetricBaseline
	for _, b := range eng.baselines.Snapshot() {
		if len(args) == 1 && b.ResourceID != args[0] {
			continue
		}
		if !baselinesAll && !eng.baselines.Mature(b) {
			continue
		}
		list = append(list, b)
	}

	out := cmd.OutOrStdout()
	if baselinesJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No baselines learned yet.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tMETRIC\tMEAN\tSTDDEV\tP5\tP95\tSAMPLES\tLEARNED")
	for _, b := range list {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%.1f\t%.1f\t%d\t%s\n",
			b.ResourceID, b.Metric, b.Mean, b.StdDev,
			b.Percentiles.P5, b.Percentiles.P95, b.SampleCount,
			b.LearnedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
