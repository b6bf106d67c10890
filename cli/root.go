// Package cli holds the greenchat command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "greenchat",
		Short: "Realtime buyer/seller chat for the GreenMarket marketplace",
		Long: `greenchat serves the conversation sync layer over REST and WebSocket
and ships a terminal client for watching a conversation live.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, watchCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
