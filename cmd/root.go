package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "replybot",
	Short: "Inbound message reply bot",
	Long: "replybot answers inbound chat messages: it normalizes provider payloads, looks up context " +
		"in a semantic index, generates a reply with a deterministic fallback, and delivers it with " +
		"retry and duplicate suppression.",
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
