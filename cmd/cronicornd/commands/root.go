// Package commands implements the cronicornd CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/cronicorn/cronicorn/config"
	"github.com/cronicorn/cronicorn/logger"
)

var (
	verbosity  int
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "cronicornd",
	Short: "cronicorn - adaptive HTTP job scheduler",
	Long: `cronicorn periodically invokes configured HTTP endpoints at cadences an
AI planner adjusts between runs by reading response bodies and writing
TTL-scoped scheduling hints.

Available commands:
  serve   - Run the scheduler daemon
  seed    - Load endpoints from a YAML manifest
  status  - Show due endpoints, recent runs, and AI usage
  keys    - Manage per-tenant HMAC signing keys
  version - Show build information

Examples:
  cronicornd serve                      # Start the daemon
  cronicornd seed endpoints.yaml        # Upsert endpoints from a manifest
  cronicornd status                     # Inspect scheduler state
  cronicornd keys create --tenant acme  # Generate a signing key`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Initialize(jsonOutput, logger.VerbosityToLevel(verbosity))
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json-logs", false, "Emit logs as JSON lines")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads the daemon configuration for a command.
func loadConfig() (*config.Config, error) {
	return config.Load()
}
