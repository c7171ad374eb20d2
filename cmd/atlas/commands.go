package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Gateway Commands
// =============================================================================

// buildServeCmd creates the "serve" command that runs the gateway with every
// enabled channel.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the atlas gateway",
		Long: `Start the atlas gateway with all configured channels.

The server will:
1. Load configuration from the specified file (or atlas.yaml)
2. Create the assistant unless assistant.id is set
3. Start the HTTP server for the web channel, health, metrics and artifacts
4. Start all enabled channel adapters

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  atlas serve

  # Start with custom config and debug logging
  atlas serve --config /etc/atlas/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// buildChatCmd creates the "chat" command: one terminal session, no other
// channels.
func buildChatCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant from the terminal",
		Example: `  atlas chat
  atlas chat --config atlas.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Run Commands
// =============================================================================

func buildRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage assistant runs",
	}
	cmd.AddCommand(buildRunsCancelCmd())
	return cmd
}

func buildRunsCancelCmd() *cobra.Command {
	var (
		configPath string
		threadID   string
	)
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel every active run on a thread",
		Example: `  atlas runs cancel --thread thread_abc123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsCancel(cmd, resolveConfigPath(configPath), threadID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread ID")
	_ = cmd.MarkFlagRequired("thread") //nolint:errcheck
	return cmd
}

// =============================================================================
// Tool Commands
// =============================================================================

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect assistant tools",
	}
	cmd.AddCommand(buildToolsListCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var (
		configPath string
		schemas    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enabled tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, resolveConfigPath(configPath), schemas)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&schemas, "schemas", false, "Print the parameter schema of each tool")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "atlas %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
