// Package main provides the CLI entry point for the atlas chat gateway.
//
// Atlas relays chat sessions from the web, the terminal, Slack, Discord and
// Telegram to an OpenAI assistant that can search Google Maps and plot the
// results on a heat map.
//
// # Basic Usage
//
// Start the gateway:
//
//	atlas serve --config atlas.yaml
//
// Chat from the terminal:
//
//	atlas chat
//
// # Environment Variables
//
//   - ATLAS_CONFIG: Path to configuration file (default: atlas.yaml when present)
//   - OPENAI_API_KEY: OpenAI API key
//   - OPENAI_ASSISTANT_ID: Existing assistant to run against
//   - RAPID_API_KEY: RapidAPI key for the Google Maps search tool
//   - SLACK_BOT_TOKEN, SLACK_APP_TOKEN, DISCORD_BOT_TOKEN, TELEGRAM_BOT_TOKEN
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "atlas",
		Short: "Atlas - market mapping chat gateway",
		Long: `Atlas connects chat channels to an OpenAI assistant that researches
markets with Google Maps data and plots the results on heat maps.

Supported channels: Web, Terminal, Slack, Discord, Telegram`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildRunsCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
