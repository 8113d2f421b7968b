package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "botcore",
	Short: "Chat bot dispatch core",
	Long:  "botcore accepts bot connections, matches every inbound message against registered services, and runs their handlers.",
}

// Execute runs the root command; a failing subcommand exits with status 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
