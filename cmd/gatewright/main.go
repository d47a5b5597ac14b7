// Package main provides the CLI entry point for the Gatewright agent
// gateway.
//
// Gatewright drives a code-mode agent loop: the model emits JavaScript
// that runs in a sandbox, tool calls flow through an approval pipeline,
// and every invocation leaves a receipt.
//
// # Basic Usage
//
// Start the server:
//
//	gatewright serve --config gatewright.yaml
//
// List the registered tools:
//
//	gatewright tools
//
// # Environment Variables
//
//   - GATEWRIGHT_CONFIG: Path to configuration file (default: gatewright.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gatewright",
		Short: "Gatewright - approval-gated code-mode agent gateway",
		Long: `Gatewright runs an LLM agent loop whose tool calls execute as sandboxed
JavaScript. Sensitive tools suspend on human approval; every invocation
is recorded as a receipt and streamed to the caller as turn events.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("GATEWRIGHT_CONFIG"); env != "" {
		return env
	}
	return "gatewright.yaml"
}
