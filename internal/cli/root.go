// Package cli is the carecue command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "carecue",
	Short:         "Recurring reminder scheduling and delivery engine",
	Long:          "carecue evaluates reminder schedules, delivers due occurrences over push and email, and escalates missed ones to care recipients.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (.json, .yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(occurrencesCmd())
}
