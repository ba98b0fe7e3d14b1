package main

import (
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that runs the streaming service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the roundtable streaming server",
		Long: `Start the streaming server with all configured providers and stores.

The server will:
1. Load configuration from the specified file (or built-in defaults)
2. Open the message store and replay any overflow backlog
3. Register MCP tool servers
4. Serve the streaming API and a separate metrics endpoint

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (SQLite at data/roundtable.db)
  roundtable serve

  # Start with custom config
  roundtable serve --config /etc/roundtable/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// buildValidateKeyCmd creates the "validate-key" command.
func buildValidateKeyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate-key <provider>",
		Short: "Check a provider API key without consuming tokens",
		Args:  cobra.ExactArgs(1),
		Example: `  roundtable validate-key anthropic
  roundtable validate-key openai`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateKey(cmd.Context(), configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	return cmd
}

// buildReplayOverflowCmd creates the "replay-overflow" command.
func buildReplayOverflowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "replay-overflow",
		Short: "Drain the overflow log into the message store",
		Long: `Replay spilled persistence records into the configured store.

Records already present in the store are deduplicated by their
(thread, message, seq) key, so replaying is always safe to repeat.
Corrupt log segments are quarantined with a .corrupt suffix.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplayOverflow(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file")
	return cmd
}
