package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/memory"
	"github.com/yairfalse/vigil/types"
)

var (
	remResource   string
	remFinding    string
	remProblem    string
	remAction     string
	remOutcome    string
	remNote       string
	remDuration   time.Duration
	remAutomatic  bool
	remListLimit  int
	remListSince  time.Duration
	remSimLimit   int
	remStatsSince time.Duration
	remSuccessful bool
	remJSON       bool
)

// remediationCmd groups the remediation log commands
var remediationCmd = &cobra.Command{
	Use:     "remediation",
	Aliases: []string{"rem"},
	Short:   "Record and query remediation actions",
	Long: `The remediation log remembers what was done about a problem and how it
turned out, so the next occurrence can start from what worked.`,
}

var remediationLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Record a remediation action",
	Example: `  vigil remediation log --resource db-1 --problem "OOM on primary" \
      --action "raised memory limit to 8Gi" --outcome resolved
  vigil remediation log --resource web-1 --problem "high latency" \
      --action "restarted service" --outcome partial --note "recurs after deploys"`,
	Args: cobra.NoArgs,
	RunE: runRemediationLog,
}

var remediationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent remediations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runRemediationList,
}

var remediationSimilarCmd = &cobra.Command{
	Use:   "similar <problem>",
	Short: "Find remediations for similar problems",
	Example: `  vigil remediation similar memory pressure on db
  vigil remediation similar --successful "disk full"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemediationSimilar,
}

var remediationStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count remediations by outcome",
	Args:  cobra.NoArgs,
	RunE:  runRemediationStats,
}

func init() {
	rootCmd.AddCommand(remediationCmd)
	remediationCmd.AddCommand(remediationLogCmd, remediationListCmd, remediationSimilarCmd, remediationStatsCmd)

	remediationLogCmd.Flags().StringVarP(&remResource, "resource", "r", "", "Resource the action was taken on")
	remediationLogCmd.Flags().StringVar(&remFinding, "finding", "", "Finding id this remediation addresses")
	remediationLogCmd.Flags().StringVarP(&remProblem, "problem", "p", "", "Problem description (required)")
	remediationLogCmd.Flags().StringVarP(&remAction, "action", "a", "", "Action taken (required)")
	remediationLogCmd.Flags().StringVarP(&remOutcome, "outcome", "o", string(types.OutcomeUnknown), "Outcome: resolved, partial, failed, unknown")
	remediationLogCmd.Flags().StringVar(&remNote, "note", "", "Free-form note")
	remediationLogCmd.Flags().DurationVar(&remDuration, "duration", 0, "How long the action took")
	remediationLogCmd.Flags().BoolVar(&remAutomatic, "automatic", false, "The action was taken by automation")

	remediationListCmd.Flags().StringVarP(&remResource, "resource", "r", "", "Only remediations for this resource")
	remediationListCmd.Flags().IntVarP(&remListLimit, "limit", "n", 10, "Maximum number of records")
	remediationListCmd.Flags().DurationVar(&remListSince, "since", 0, "Only records within this window (0 means all)")
	remediationListCmd.Flags().BoolVar(&remJSON, "json", false, "Print records as JSON")

	remediationSimilarCmd.Flags().IntVarP(&remSimLimit, "limit", "n", 5, "Maximum number of records")
	remediationSimilarCmd.Flags().BoolVar(&remSuccessful, "successful", false, "Only resolved or partial outcomes")
	remediationSimilarCmd.Flags().BoolVar(&remJSON, "json", false, "Print records as JSON")

	remediationStatsCmd.Flags().DurationVar(&remStatsSince, "since", 30*24*time.Hour, "Window to count (0 means all)")
	remediationStatsCmd.Flags().BoolVar(&remJSON, "json", false, "Print stats as JSON")
}

func runRemediationLog(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx, cfg, newLogger("remediation"), nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	record := types.RemediationRecord{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		ResourceID: remResource,
		FindingID:  remFinding,
		Problem:    remProblem,
		Action:     remAction,
		Outcome:    types.Outcome(strings.ToLower(remOutcome)),
		Duration:   remDuration,
		Note:       remNote,
		Automatic:  remAutomatic,
	}
	if err := eng.remediations.Log(record); err != nil {
		return err
	}

	if record.ResourceID != "" {
		if kind, ok := eng.policy.ClassifyRemediation(ctx, record); ok {
			eng.patterns.RecordEvent(record.ResourceID, kind, record.Timestamp, types.SourceRemediation)
		}
	}

	if err := eng.persist(ctx); err != nil {
		return fmt.Errorf("failed to persist: %w", err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Logged remediation %s\n", record.ID)
	return err
}

func runRemediationList(cmd *cobra.Command, _ []string) error {
	eng, err := openEngine(cmd.Context(), cfg, newLogger("remediation"), nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	var since time.Time
	if remListSince > 0 {
		since = time.Now().Add(-remListSince)
	}

	var list []types.RemediationRecord
	if remResource != "" {
		for _, r := range eng.remediations.GetForResource(remResource, remListLimit) {
			if !r.Timestamp.Before(since) {
				list = append(list, r)
			}
		}
	} else {
		list = eng.remediations.GetRecent(remListLimit, since)
	}
	return printRemediations(cmd, list)
}

func runRemediationSimilar(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context(), cfg, newLogger("remediation"), nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	problem := strings.Join(args, " ")
	var list []types.RemediationRecord
	if remSuccessful {
		list = eng.remediations.GetSuccessful(problem, remSimLimit)
	} else {
		list = eng.remediations.GetSimilar(problem, remSimLimit)
	}
	return printRemediations(cmd, list)
}

func runRemediationStats(cmd *cobra.Command, _ []string) error {
	eng, err := openEngine(cmd.Context(), cfg, newLogger("remediation"), nil)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	var since time.Time
	if remStatsSince > 0 {
		since = time.Now().Add(-remStatsSince)
	}
	stats := eng.remediations.Stats(since)

	out := cmd.OutOrStdout()
	if remJSON {
		return writeJSON(out, stats)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total\t%d\n", stats.Total)
	fmt.Fprintf(w, "Resolved\t%d\n", stats.Resolved)
	fmt.Fprintf(w, "Partial\t%d\n", stats.Partial)
	fmt.Fprintf(w, "Failed\t%d\n", stats.Failed)
	fmt.Fprintf(w, "Unknown\t%d\n", stats.Unknown)
	fmt.Fprintf(w, "Automatic\t%d\n", stats.Automatic)
	fmt.Fprintf(w, "Manual\t%d\n", stats.Manual)
	fmt.Fprintf(w, "Success rate\t%.0f%%\n", stats.SuccessRate()*100)
	return w.Flush()
}

func printRemediations(cmd *cobra.Command, list []types.RemediationRecord) error {
	out := cmd.OutOrStdout()
	if remJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		_, err := fmt.Fprintln(out, "No remediations found.")
		return err
	}

	now := time.Now()
	for _, r := range list {
		mode := "manual"
		if r.Automatic {
			mode = "automatic"
		}
		resource := r.ResourceID
		if resource == "" {
			resource = "-"
		}
		fmt.Fprintf(out, "- %s %s: %s → %s (%s, %s)\n",
			memory.FormatAge(now.Sub(r.Timestamp)), resource, r.Problem, r.Action, r.Outcome, mode)
		if r.Note != "" {
			fmt.Fprintf(out, "  Note: %s\n", r.Note)
		}
	}
	return nil
}
