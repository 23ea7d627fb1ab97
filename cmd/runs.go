package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/synthesis-cli/internal/model"
	"github.com/sells-group/synthesis-cli/internal/monitoring"
	"github.com/sells-group/synthesis-cli/internal/store"
	"github.com/sells-group/synthesis-cli/internal/strategy"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect analysis run history",
	Long:  "Commands for listing, viewing, deleting, and summarizing analysis runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return cfg.Validate("runs")
	},
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		strat, _ := cmd.Flags().GetString("strategy")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.RunFilter{
			Status: model.RunStatus(status),
			Limit:  limit,
			Offset: offset,
		}
		if strat != "" {
			filter.Strategy = strategy.Normalize(strat)
		}

		runs, err := st.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the result bundle of a completed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := store.LoadBundle(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return writeJSON(cmd.OutOrStdout(), b)
	},
}

// -- runs status --

var runsStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show per-stage status of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.Read(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs status")
		}
		formatRunStatus(cmd.OutOrStdout(), run)
		return nil
	},
}

// -- runs delete --

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>...",
	Short: "Delete runs and their artifacts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, id := range args {
			if err := st.Delete(ctx, id); err != nil {
				return eris.Wrapf(err, "runs delete %s", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		snap, err := monitoring.NewCollector(st, nil).Collect(ctx, int(since.Hours()))
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(cmd.OutOrStdout(), snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (processing, completed, failed)")
	runsListCmd.Flags().String("strategy", "", "filter by strategy name")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h; 0 for all)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatusCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTRATEGY\tSTATUS\tFAILED_STAGE\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t------------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Strategy,
			r.Status,
			r.FailedStage,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStatus writes one line per stage.
func formatRunStatus(out io.Writer, run *model.AnalysisRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	_, _ = fmt.Fprintf(w, "Strategy:\t%s\n", run.Strategy)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	if run.ResultRef != "" {
		_, _ = fmt.Fprintf(w, "Result:\t%s\n", run.ResultRef)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tMESSAGE")
	for _, s := range run.Stages {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.Stage, s.Status, s.Message)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.RunsCompleted)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	for _, name := range model.Stages {
		if n := s.FailedStages[name]; n > 0 {
			_, _ = fmt.Fprintf(w, "  at %s:\t%d\n", name, n)
		}
	}
	_, _ = fmt.Fprintf(w, "Processing:\t%d\n", s.RunsProcessing)
	if s.RunsCompleted+s.RunsFailed > 0 {
		_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.FailureRate*100)
	}

	names := make([]string, 0, len(s.ByStrategy))
	for name := range s.ByStrategy {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "Strategy %s:\t%d\n", name, s.ByStrategy[name])
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
