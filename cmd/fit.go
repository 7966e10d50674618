package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astropipe/deltafit/pkg/config"
	"github.com/astropipe/deltafit/pkg/observability"
	"github.com/astropipe/deltafit/pkg/worker"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	fitCfgFile string
	fitRank    int
)

//nolint:gochecknoglobals // Cobra commands are typically global
var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Run one rank of a continuum fit",
	Long: `Runs the fitting pipeline for one rank. With comm size 1 (the default)
this is a complete standalone run; with a larger size every rank joins the
configured Redis and the command must be launched once per rank.`,
	RunE: runFit,
}

func init() {
	rootCmd.AddCommand(fitCmd)
	fitCmd.Flags().StringVar(&fitCfgFile, "config", "deltafit.yaml", "config file")
	fitCmd.Flags().IntVar(&fitRank, "rank", -1, "override the configured comm rank")
}

func runFit(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := config.Load(fitCfgFile)
	if err != nil {
		return err
	}
	if fitRank >= 0 {
		cfg.Comm.Rank = fitRank
		if err := cfg.Comm.Validate(); err != nil {
			return err
		}
	}
	if err := setupLogger(cfg.Logging); err != nil {
		return err
	}

	observability.StartMetricsServer(cfg.MetricsAddr)

	// Terminate cleanly on interrupt; peers observe the abort instead of
	// blocking on the next collective.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Output.Sink == config.SinkFile {
		if err := os.MkdirAll(cfg.Output.Dir, 0o750); err != nil {
			return err
		}
	}

	return worker.Run(ctx, cfg, logger)
}
