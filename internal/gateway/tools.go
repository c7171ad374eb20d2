package gateway

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/agent/providers"
	"github.com/haasonsaas/atlas/internal/backoff"
	"github.com/haasonsaas/atlas/internal/cache"
	"github.com/haasonsaas/atlas/internal/config"
	"github.com/haasonsaas/atlas/internal/observability"
	"github.com/haasonsaas/atlas/internal/tools/heatmap"
	"github.com/haasonsaas/atlas/internal/tools/places"
)

// ToolDeps are the shared services tools are built on.
type ToolDeps struct {
	Cache      cache.Store
	Artifacts  heatmap.ArtifactStore
	HTTPClient *http.Client
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// BuildToolRegistry registers the tools enabled in cfg.
func BuildToolRegistry(cfg config.ToolsConfig, deps ToolDeps) (*agent.ToolRegistry, error) {
	registry := agent.NewToolRegistry()

	if config.Enabled(cfg.Places.Enabled) {
		tool := places.New(places.Config{
			APIKey:     cfg.Places.APIKey,
			Endpoint:   cfg.Places.Endpoint,
			Host:       cfg.Places.Host,
			Timeout:    cfg.Places.Timeout,
			Cache:      deps.Cache,
			CacheTTL:   cfg.Places.CacheTTL,
			HTTPClient: deps.HTTPClient,
			Metrics:    deps.Metrics,
			Logger:     deps.Logger,
		})
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}

	if config.Enabled(cfg.Heatmap.Enabled) {
		if deps.Artifacts == nil {
			return nil, fmt.Errorf("%s requires an artifact store", heatmap.Name)
		}
		tool := heatmap.New(heatmap.Config{
			Artifacts:   deps.Artifacts,
			Zoom:        cfg.Heatmap.Zoom,
			PreviewSize: cfg.Heatmap.PreviewSize,
			TileURL:     cfg.Heatmap.TileURL,
			Logger:      deps.Logger,
		})
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	return registry, nil
}

// DispatcherOptions maps the tools config onto dispatcher options.
func DispatcherOptions(cfg config.ToolsConfig) (agent.DispatcherOptions, error) {
	opts := agent.DefaultDispatcherOptions()
	policy, err := agent.ParseToolErrorPolicy(cfg.OnError)
	if err != nil {
		return opts, err
	}
	opts.ToolErrorPolicy = policy
	if cfg.Concurrency > 0 {
		opts.ToolExec.Concurrency = cfg.Concurrency
	}
	if cfg.Timeout > 0 {
		opts.ToolExec.PerToolTimeout = cfg.Timeout
	}
	opts.MaxToolRounds = cfg.MaxRounds
	return opts, nil
}

// RetryConfig builds the engine retry settings from cfg.
func RetryConfig(cfg *config.Config) agent.RetryConfig {
	return agent.RetryConfig{
		Policy: backoff.Policy{
			Initial: cfg.OpenAI.Retry.InitialBackoff,
			Max:     cfg.OpenAI.Retry.MaxBackoff,
			Factor:  2,
			Jitter:  0.1,
		},
		MaxAttempts: cfg.OpenAI.Retry.MaxAttempts,
		Retryable:   providers.IsRetryable,
	}
}
