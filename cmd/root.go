package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "testdrive",
	Short: "Run test suites against locally built database server binaries",
	Long: `testdrive discovers test suites under the suites directory, runs their
tests concurrently against one or more build modes and reports a
consolidated result. Cluster-backed tests lease database clusters from a
bounded per-suite pool; flaky tests are retried automatically.`,
	SilenceUsage: true,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log verbosity: debug, info, warn or error")
}
