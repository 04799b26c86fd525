package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Staged pipeline orchestrator for agent-driven development",
	Long: `Conveyor runs tasks through a staged worker pipeline: a coder stage
implements the change, then security, tester and reviewer stages validate
it. Review stages can kick work back to the coder; verdicts are derived
from free-text worker reports.

Pipeline state survives restarts: every transition is committed to the
work-item store, and a periodic sweep re-issues directives for stalled
stages.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
