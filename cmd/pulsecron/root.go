package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pulsecron",
	Short: "Pulsecron - durable recurring-job scheduler",
	Long: `Pulsecron is a durable scheduler daemon for recurring jobs. Jobs are
persisted to a single store file, fire at most once per due occurrence even
across restarts, and dispatch system events or isolated agent turns.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
}
