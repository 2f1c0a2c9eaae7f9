package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pabawi/pabawi/cmd/pabawi/commands"
	"github.com/pabawi/pabawi/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pabawi",
	Short: "Pabawi - Execution queue and streaming execution pipeline",
	Long: `Pabawi runs commands against fleets of nodes with bounded concurrency.

Submissions are admitted immediately when a slot is free, wait FIFO when
the system is busy, and are rejected synchronously when the overflow
queue is full. Every execution streams its output live over WebSocket
and leaves a queryable record behind.

Available commands:
  serve   - Start the Pabawi server (queue + API + WebSocket streams)
  status  - Show the queue status of a running server
  version - Show version information

Examples:
  pabawi serve                      # Start with defaults (pabawi.toml if present)
  pabawi serve --config my.toml     # Start with an explicit config file
  pabawi status                     # Queue snapshot of the local server`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
