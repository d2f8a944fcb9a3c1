// Package main provides the CLI entry point for the FinSight agent server.
//
// FinSight serves a tool-using financial chat agent over HTTP and
// WebSocket, streaming assistant output incrementally while the model
// searches, runs code, and builds charts.
//
// # Basic Usage
//
// Start the server:
//
//	finsightd serve --config finsight.yaml
//
// Mint a bearer token for a JWT-mode deployment:
//
//	finsightd token --user u1 --email dev@example.com
//
// # Environment Variables
//
// Values in the config file expand from the environment, so secrets are
// usually provided as:
//
//   - ANTHROPIC_API_KEY: cloud fallback model key
//   - FINSIGHT_JWT_SECRET: token signing secret in jwt mode
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
		Use:   "finsightd",
		Short: "FinSight - streaming financial chat agent server",
		Long: `FinSight serves a tool-using chat agent for financial questions.

A locally hosted model is preferred when one answers the probe; otherwise
turns run on the configured cloud fallback. Tools: finance search, sandboxed
code execution, chart and table generation.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
