package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Monoklix Relay - routing and credential layer for AI generation",
	Long: `Monoklix Relay routes AI generation traffic for authenticated users.

It sits between the UI and a fleet of generation proxy servers, providing:
  - Least-busy server selection with random fallback
  - Exclusive personal credential assignment from a shared pool
  - Per-server generation slot admission with queueing
  - Automatic failover to a backup server on network failures
  - Session heartbeats and administrator-forced logout`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
