package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dredd-labs/modelmarket/internal/market"
	"github.com/dredd-labs/modelmarket/internal/model"
	"github.com/dredd-labs/modelmarket/internal/store"
)

const (
	msgAllProvidersFailed = "Unable to get responses from any provider. Please try again later."
	msgSynthesisFailed    = "Partial results available, but synthesis failed."
	msgRateLimited        = "Too many requests. Please wait a moment and try again."
)

var (
	askChatID       int64
	askRounds       int
	askArbiter      string
	askArbiterModel string
	askJSON         bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Run the consensus market for one question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initMarket(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := market.RunOptions{MaxRounds: askRounds}
		if askArbiter != "" {
			opts.Arbiter = &market.ArbiterSpec{Provider: askArbiter, Model: askArbiterModel}
		}

		run, err := env.market.Run(ctx, askChatID, args[0], opts)
		if err != nil {
			if eris.Is(err, market.ErrAllProvidersFailed) {
				fmt.Fprintln(os.Stderr, failureMessage(lastRun(ctx, env, askChatID)))
			}
			return err
		}

		if askJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		}

		printRunResult(os.Stdout, run)
		return nil
	},
}

func init() {
	askCmd.Flags().Int64Var(&askChatID, "chat-id", 0, "chat id owning the thread")
	askCmd.Flags().IntVar(&askRounds, "rounds", 0, "override max rounds")
	askCmd.Flags().StringVar(&askArbiter, "arbiter", "", "override arbiter provider")
	askCmd.Flags().StringVar(&askArbiterModel, "arbiter-model", "", "override arbiter model")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full run as JSON")
	rootCmd.AddCommand(askCmd)
}

// lastRun loads the most recent run for the chat's thread, with
// answers preloaded. Nil when nothing can be read back.
func lastRun(ctx context.Context, env *marketEnv, chatID int64) *model.Run {
	thread, err := env.store.GetOrCreateThread(ctx, chatID)
	if err != nil {
		return nil
	}
	runs, err := env.store.ListRuns(ctx, store.RunFilter{ThreadID: thread.ID, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil
	}
	full, err := env.store.GetRun(ctx, runs[0].ID)
	if err != nil {
		return nil
	}
	return full
}

// failureMessage distinguishes a fleet-wide rate limit from a general
// outage when every provider failed.
func failureMessage(run *model.Run) string {
	if run == nil {
		return msgAllProvidersFailed
	}
	limited := 0
	errored := 0
	for _, a := range run.Answers {
		if a.Error == nil {
			continue
		}
		errored++
		if a.Error.Kind == model.ErrRateLimited || a.Error.Kind == model.ErrRateLimit {
			limited++
		}
	}
	if errored > 0 && limited == errored {
		return msgRateLimited
	}
	return msgAllProvidersFailed
}

// printRunResult renders the final answer and a per-provider summary.
func printRunResult(out io.Writer, run *model.Run) {
	if run.Arbiter != nil && !run.Arbiter.ArbiterFailed && run.Arbiter.FinalAnswer != nil {
		fmt.Fprintln(out, *run.Arbiter.FinalAnswer)
		if len(run.Arbiter.Agreements) > 0 {
			fmt.Fprintln(out, "\nAgreed by all models:")
			for _, a := range run.Arbiter.Agreements {
				fmt.Fprintf(out, "  - %s\n", a)
			}
		}
		for _, c := range run.Arbiter.Conflicts {
			if c.Status != model.ConflictUnresolved {
				continue
			}
			fmt.Fprintf(out, "\nUnresolved: %s\n", c.Topic)
		}
	} else {
		fmt.Fprintln(out, msgSynthesisFailed)
		if best := market.BestAnswer(finalRoundAnswers(run)); best != nil {
			fmt.Fprintf(out, "\nBest available answer (%s):\n%s\n", best.Provider, best.Answer)
		}
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tROUND\tSTATUS\tCONFIDENCE\tLATENCY\tCOST")
	for _, a := range run.Answers {
		conf := "-"
		if a.Confidence != nil {
			conf = fmt.Sprintf("%.2f", *a.Confidence)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%dms\t$%.4f\n",
			a.Provider, a.Model, a.Round, a.Status, conf, a.LatencyMS, a.CostOrZero())
	}
	w.Flush()

	fmt.Fprintf(out, "\nRounds: %d  Converged: %v  Total: %dms  $%.4f\n",
		run.RoundsCompleted, run.ConvergenceAchieved, run.TotalLatencyMS, run.TotalCostUSD)
}

// finalRoundAnswers returns the usable answers of the last round.
func finalRoundAnswers(run *model.Run) []model.ProviderAnswer {
	var out []model.ProviderAnswer
	for _, a := range run.Answers {
		if a.Round == run.RoundsCompleted && a.Status.Usable() {
			out = append(out, a)
		}
	}
	return out
}
