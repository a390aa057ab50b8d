package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dredd-labs/modelmarket/internal/market"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show configured providers and their live state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initMarket(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		formatProviders(os.Stdout, env.market.Inspect())
		return nil
	},
}

func formatProviders(out io.Writer, health []market.ProviderHealth) {
	if len(health) == 0 {
		fmt.Fprintln(out, "No providers enabled. Set provider keys in config or environment.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tCIRCUIT\tFAILURES\tTOKENS")
	for _, h := range health {
		pcfg, _ := cfg.Provider(h.Provider)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1f/%d\n",
			h.Provider,
			pcfg.DefaultModel,
			h.CircuitState,
			h.ConsecutiveFailures,
			h.TokensAvailable,
			h.TokensMax,
		)
	}
	w.Flush()
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
