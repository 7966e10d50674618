package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astropipe/deltafit/pkg/config"
	"github.com/astropipe/deltafit/pkg/worker"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	workerCfgFile string
)

//nolint:gochecknoglobals // Cobra commands are typically global
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the deltafit worker service",
	Long: `The worker service consumes rank tasks from the queue and runs the
fitting pipeline for each. Launch one worker per desired rank slot.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerCfgFile, "config", "deltafit.yaml", "config file")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := config.Load(workerCfgFile)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.Logging); err != nil {
		return err
	}

	logger.Info("Configuration loaded")

	app := worker.NewApplication(cfg, logger)
	if err := app.Start(); err != nil {
		return err
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// Graceful shutdown
	return app.Stop()
}
