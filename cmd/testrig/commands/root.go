package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/testrig/testrig/pkg/config"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "testrig",
		Short: "testrig - production test station runner",
		Long: `testrig drives a test station through its lifecycle: system setup once,
then for every unit under test a test bed preparation, UUT setup, the test
sequence, UUT recovery and result handling, until the station is told to quit.

Features:
  - Test sequences isolated in a child process with timeouts and kill escalation
  - Scoped resource stacks released in reverse order
  - Nested, recorded test steps
  - Result history in SQLite
  - Station status and remote quit over MQTT
  - Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "station config file (yaml, json or cue)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

// loadConfig reads the --config file, or returns the defaults without one.
func loadConfig() (*config.StationConfig, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
