package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dredd-labs/modelmarket/internal/config"
	"github.com/dredd-labs/modelmarket/internal/cost"
)

var (
	cfg         *config.Config
	pricingFile string
)

var rootCmd = &cobra.Command{
	Use:   "modelmarket",
	Short: "Multi-provider consensus market for model answers",
	Long:  "Fans one question out to multiple model providers, runs revision rounds until the answers converge, and synthesizes a final answer through an arbiter model.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if pricingFile != "" {
			overrides, err := cost.LoadRates(pricingFile)
			if err != nil {
				return err
			}
			cfg.Pricing.Models = cost.MergeRates(cfg.Pricing.Models, overrides)
			zap.L().Info("pricing overrides loaded",
				zap.String("file", pricingFile),
				zap.Int("models", len(overrides)))
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&pricingFile, "pricing", "", "YAML file with per-model rate overrides")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
