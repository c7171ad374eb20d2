package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/agent/providers"
	"github.com/haasonsaas/atlas/internal/artifacts"
	"github.com/haasonsaas/atlas/internal/config"
	"github.com/haasonsaas/atlas/internal/gateway"
	"github.com/haasonsaas/atlas/internal/observability"
)

const (
	configEnv         = "ATLAS_CONFIG"
	defaultConfigName = "atlas.yaml"
)

// resolveConfigPath picks the explicit path, then ATLAS_CONFIG, then
// atlas.yaml in the working directory. An empty result means defaults only.
func resolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(configEnv)); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

func newLogger(cfg *config.Config, out io.Writer, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    out,
		AddSource: cfg.Logging.AddSource,
	})
}

// runServe implements the serve command.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg, os.Stderr, debug)
	slog.SetDefault(logger)

	logger.Info("starting atlas gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	server, err := gateway.NewServer(ctx, cfg, gateway.ServerOptions{
		ConfigPath: configPath,
		Version:    version,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	return runUntilSignal(ctx, server, cfg, logger)
}

// runChat runs one terminal session. Logs go to the user cache directory so
// they do not interleave with the conversation.
func runChat(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Channels = config.ChannelsConfig{Terminal: config.TerminalChannelConfig{Enabled: true}}

	logOut, closeLog, err := openChatLog()
	if err != nil {
		return err
	}
	defer closeLog()
	logger := newLogger(cfg, logOut, false)

	server, err := gateway.NewServer(cmd.Context(), cfg, gateway.ServerOptions{
		ConfigPath:  configPath,
		Version:     version,
		Logger:      logger,
		TerminalIn:  cmd.InOrStdin(),
		TerminalOut: cmd.OutOrStdout(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	return runUntilSignal(cmd.Context(), server, cfg, logger)
}

func openChatLog() (io.Writer, func(), error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return io.Discard, func() {}, nil
	}
	dir = filepath.Join(dir, "atlas")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "chat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open chat log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil //nolint:errcheck
}

// runUntilSignal starts server and stops it on SIGINT/SIGTERM or once event
// processing has ended.
func runUntilSignal(ctx context.Context, server *gateway.Server, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case <-server.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("atlas gateway stopped")
	return nil
}

// runRunsCancel sweeps every non-terminal run of a thread.
func runRunsCancel(cmd *cobra.Command, configPath, threadID string) error {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("--thread is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr(), false)

	engine, err := providers.NewOpenAIEngine(providers.OpenAIConfig{
		APIKey:       cfg.OpenAI.APIKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		Organization: cfg.OpenAI.Organization,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	return cancelThreadRuns(cmd, engine, cfg, logger, threadID)
}

func cancelThreadRuns(cmd *cobra.Command, engine agent.Engine, cfg *config.Config, logger *slog.Logger, threadID string) error {
	manager := agent.NewSessionManager(engine, nil, agent.SessionManagerConfig{
		RunPageSize: cfg.Gateway.RunPageSize,
		Retry:       gateway.RetryConfig(cfg),
		Logger:      logger,
	})
	cancelled, err := manager.CancelAllRuns(cmd.Context(), threadID)
	if err != nil {
		return fmt.Errorf("cancel runs: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d run(s) on %s\n", cancelled, threadID)
	return nil
}

// runToolsList prints the tools the assistant would be created with.
func runToolsList(cmd *cobra.Command, configPath string, schemas bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Listing never renders, so a scratch store stands in for the real one.
	dir, err := os.MkdirTemp("", "atlas-tools-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	store, err := artifacts.NewLocalStore(dir)
	if err != nil {
		return err
	}
	repo := artifacts.NewRepository(store, artifacts.RepositoryOptions{PublicURL: cfg.Server.PublicURL})
	defer repo.Close()

	registry, err := gateway.BuildToolRegistry(cfg.Tools, gateway.ToolDeps{
		Artifacts: repo,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	tools := registry.Tools()
	if len(tools) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tools enabled.")
		return nil
	}

	out := cmd.OutOrStdout()
	if schemas {
		for _, tool := range tools {
			fmt.Fprintf(out, "%s\n  %s\n  %s\n\n", tool.Name(), tool.Description(), tool.Schema())
		}
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\n", tool.Name(), tool.Description())
	}
	return w.Flush()
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	source := configPath
	if source == "" {
		source = "defaults"
	}
	var enabled []string
	ch := cfg.Channels
	for name, on := range map[string]bool{
		"web":      ch.Web.Enabled,
		"terminal": ch.Terminal.Enabled,
		"slack":    ch.Slack.Enabled,
		"discord":  ch.Discord.Enabled,
		"telegram": ch.Telegram.Enabled,
	} {
		if on {
			enabled = append(enabled, name)
		}
	}
	slices.Sort(enabled)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config OK (%s)\n", source)
	fmt.Fprintf(out, "  channels: %s\n", strings.Join(enabled, ", "))
	fmt.Fprintf(out, "  sessions: %s\n", cfg.Sessions.Backend)
	fmt.Fprintf(out, "  artifacts: %s\n", cfg.Artifacts.Backend)
	fmt.Fprintf(out, "  cache: %s\n", cfg.Cache.Backend)
	return nil
}
