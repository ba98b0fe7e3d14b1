// Package main provides the CLI entry point for the roundtable streaming
// service.
//
// Roundtable streams LLM chat completions from Anthropic and OpenAI through
// a dual-output bundler: a lossy low-latency client path over SSE and a
// lossless persistence path into SQLite or Postgres, with an append-only
// overflow log covering store outages. Requests with multiple panelists are
// fanned out one stream per voice and fair-merged into a single transcript.
//
// # Basic Usage
//
// Start the server:
//
//	roundtable serve --config roundtable.yaml
//
// Check a provider credential:
//
//	roundtable validate-key anthropic
//
// Drain the overflow log into the store after an outage:
//
//	roundtable replay-overflow --config roundtable.yaml
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "roundtable",
		Short: "Roundtable - streaming LLM chat core",
		Long: `Roundtable streams chat completions over SSE while persisting every
message durably, including partial text from interrupted streams.

Supported providers: Anthropic (Claude), OpenAI (GPT)
Stores: SQLite, Postgres
Tools: MCP servers over streamable HTTP`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateKeyCmd(),
		buildReplayOverflowCmd(),
	)
	return rootCmd
}
