// Package cmd contains the CLI commands for deltafit
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Global vars needed for cobra CLI
var (
	logger *logrus.Logger
)

// rootCmd represents the base command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var rootCmd = &cobra.Command{
	Use:   "deltafit",
	Short: "Distributed quasar continuum fitting",
	Long: `deltafit estimates per-quasar continua and a global mean-continuum /
variance model over a spectroscopic survey catalog, then derives the
flux-transmission deltas used in large-scale-structure analysis. Work is
partitioned across ranks that synchronize through Redis collectives.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error, fatal, panic)")

	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// setupLogger applies the configured level, preferring the command-line flag.
func setupLogger(configLevel string) error {
	level := configLevel
	if flagLevel, err := rootCmd.PersistentFlags().GetString("log-level"); err == nil && rootCmd.PersistentFlags().Changed("log-level") {
		level = flagLevel
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(parsed)
	return nil
}
