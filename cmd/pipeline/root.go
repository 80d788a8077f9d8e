package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:          "pipeline",
	Short:        "Scan and analyze uploaded racks, presets and sessions",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statusCmd)
}
