package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect market run history",
	Long:  "Commands for listing, replaying, and summarizing market runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List market runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		threadID, _ := cmd.Flags().GetString("thread")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.RunFilter{
			ThreadID: threadID,
			Status:   model.RunStatus(status),
			Limit:    limit,
			Offset:   offset,
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Replay a run with its answers and arbiter output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
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
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		since, _ := cmd.Flags().GetDuration("since")
		cutoff := time.Now().Add(-since)

		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		var window []model.Run
		for _, r := range runs {
			if since > 0 && r.CreatedAt.Before(cutoff) {
				continue
			}
			window = append(window, r)
		}

		stats := computeRunStats(window)
		formatRunStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (in_progress, completed, failed, cancelled)")
	runsListCmd.Flags().String("thread", "", "filter by thread id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "pagination offset")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total       int
	Completed   int
	Failed      int
	Converged   int
	TotalCost   float64
	AvgRounds   float64
	AvgLatencyS float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalRounds int
	var totalLatency int64
	var finished int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
		case model.RunStatusFailed:
			s.Failed++
		}
		if r.ConvergenceAchieved {
			s.Converged++
		}
		s.TotalCost += r.TotalCostUSD
		if r.Status.Terminal() {
			totalRounds += r.RoundsCompleted
			totalLatency += r.TotalLatencyMS
			finished++
		}
	}

	if finished > 0 {
		s.AvgRounds = float64(totalRounds) / float64(finished)
		s.AvgLatencyS = float64(totalLatency) / float64(finished) / 1000
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tQUESTION\tSTATUS\tROUNDS\tCONVERGED\tCOST\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t------\t---------\t----\t-------")

	for _, r := range runs {
		question := r.Question
		if len(question) > 40 {
			question = question[:37] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t$%.4f\t%s\n",
			truncateID(r.ID),
			question,
			r.Status,
			r.RoundsCompleted,
			r.ConvergenceAchieved,
			r.TotalCostUSD,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Converged:\t%d\n", s.Converged)
	_, _ = fmt.Fprintf(w, "Total cost:\t$%.4f\n", s.TotalCost)
	if s.AvgRounds > 0 {
		_, _ = fmt.Fprintf(w, "Avg rounds:\t%.1f\n", s.AvgRounds)
	}
	if s.AvgLatencyS > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgLatencyS)
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
