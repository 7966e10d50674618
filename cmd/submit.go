package cmd

import (
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/astropipe/deltafit/pkg/comm"
	"github.com/astropipe/deltafit/pkg/config"
	"github.com/astropipe/deltafit/pkg/tasks"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	submitCfgFile string
	submitRunID   string
)

//nolint:gochecknoglobals // Cobra commands are typically global
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Enqueue a fitting run",
	Long: `Enqueues one task per rank onto the fit queue. Workers started with
"deltafit worker" pick the tasks up and execute the run cooperatively.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitCfgFile, "config", "deltafit.yaml", "config file")
	submitCmd.Flags().StringVar(&submitRunID, "run-id", "", "run identifier (default is a random UUID)")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := config.Load(submitCfgFile)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.Logging); err != nil {
		return err
	}
	if cfg.Comm.Address == "" {
		return comm.ErrAddressRequired
	}

	runID := submitRunID
	if runID == "" {
		runID = uuid.New().String()
	}

	qm := tasks.NewQueueManager(&asynq.RedisClientOpt{
		Addr:     cfg.Comm.Address,
		Password: cfg.Comm.Password,
		DB:       cfg.Comm.DB,
	})
	defer qm.Close()

	if err := qm.EnqueueRun(runID, submitCfgFile, cfg.Comm.Size, cfg.Comm.Timeout); err != nil {
		return err
	}

	logger.WithField("run_id", runID).
		WithField("size", cfg.Comm.Size).
		Info("Run enqueued")

	return nil
}
