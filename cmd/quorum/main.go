// Quorum posts approval requests to chat rooms and collects the votes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Quorum collects multi-party approvals from Telegram and Slack.",
	Long: `Quorum posts approval requests to Telegram and Slack chats and tallies the
votes. An approvement is approved once enough distinct people approve it,
refused on the first refusal, and expired when its topic's timeout elapses.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, mcpCmd, topicsCmd, historyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
