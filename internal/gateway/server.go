package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/agent/providers"
	"github.com/haasonsaas/atlas/internal/artifacts"
	"github.com/haasonsaas/atlas/internal/cache"
	"github.com/haasonsaas/atlas/internal/channels"
	"github.com/haasonsaas/atlas/internal/channels/discord"
	"github.com/haasonsaas/atlas/internal/channels/slack"
	"github.com/haasonsaas/atlas/internal/channels/telegram"
	"github.com/haasonsaas/atlas/internal/channels/terminal"
	"github.com/haasonsaas/atlas/internal/channels/web"
	"github.com/haasonsaas/atlas/internal/config"
	"github.com/haasonsaas/atlas/internal/observability"
	"github.com/haasonsaas/atlas/internal/sessions"
)

// ServerOptions configures NewServer.
type ServerOptions struct {
	// ConfigPath keys the instance lock.
	ConfigPath string

	// Version is reported in traces and /healthz.
	Version string

	Logger *slog.Logger

	// Engine replaces the OpenAI engine.
	Engine agent.Engine

	// TerminalIn and TerminalOut back the terminal channel (stdin/stdout
	// when nil).
	TerminalIn  io.Reader
	TerminalOut io.Writer

	// SkipLock disables the instance lock.
	SkipLock bool

	// StateDir holds the instance lock file.
	StateDir string
}

// Server owns every long-lived component of a running gateway.
type Server struct {
	cfg     *config.Config
	opts    ServerOptions
	logger  *slog.Logger
	metrics *observability.Metrics
	promReg *prometheus.Registry
	tracer  *observability.Tracer

	traceShutdown func(context.Context) error

	engine    agent.Engine
	tools     *agent.ToolRegistry
	manager   *agent.SessionManager
	cache     cache.Store
	artifacts *artifacts.Repository
	cleanup   *artifacts.CleanupService
	sessions  sessions.Store
	channels  *channels.Registry
	terminal  *terminal.Adapter
	gateway   *Gateway

	httpServer *http.Server
	listener   net.Listener
	lock       *LockHandle
	startTime  time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer builds every component from cfg. Nothing is started and no
// network call is made.
func NewServer(ctx context.Context, cfg *config.Config, opts ServerOptions) (s *Server, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s = &Server{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		promReg: prometheus.NewRegistry(),
		done:    make(chan struct{}),
	}
	defer func() {
		if err != nil {
			s.closeStores()
		}
	}()

	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.promReg)

	tracing := cfg.Observability.Tracing
	traceCfg := observability.TraceConfig{
		ServiceName:    tracing.ServiceName,
		ServiceVersion: opts.Version,
		Environment:    tracing.Environment,
		SamplingRate:   tracing.SamplingRate,
		EnableInsecure: tracing.Insecure,
	}
	if tracing.Enabled {
		traceCfg.Endpoint = tracing.Endpoint
	}
	s.tracer, s.traceShutdown = observability.NewTracer(traceCfg)

	s.engine = opts.Engine
	if s.engine == nil {
		engine, err := providers.NewOpenAIEngine(providers.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Organization: cfg.OpenAI.Organization,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}

	s.cache, err = cache.New(ctx, cache.Config{
		Backend:    cfg.Cache.Backend,
		MaxEntries: cfg.Cache.MaxEntries,
		Redis: cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	store, err := artifacts.NewStore(ctx, cfg.Artifacts.Backend, cfg.Artifacts.Dir, &artifacts.S3StoreConfig{
		Bucket:          cfg.Artifacts.S3.Bucket,
		Region:          cfg.Artifacts.S3.Region,
		Endpoint:        cfg.Artifacts.S3.Endpoint,
		Prefix:          cfg.Artifacts.S3.Prefix,
		AccessKeyID:     cfg.Artifacts.S3.AccessKeyID,
		SecretAccessKey: cfg.Artifacts.S3.SecretAccessKey,
		UsePathStyle:    cfg.Artifacts.S3.UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: %w", err)
	}
	s.artifacts = artifacts.NewRepository(store, artifacts.RepositoryOptions{
		DefaultTTL: cfg.Artifacts.TTL,
		PublicURL:  cfg.Server.PublicURL,
		Logger:     logger.With("component", "artifacts"),
	})
	s.cleanup, err = artifacts.NewCleanupService(s.artifacts, cfg.Artifacts.CleanupSchedule, logger.With("component", "artifacts"))
	if err != nil {
		return nil, err
	}

	s.tools, err = BuildToolRegistry(cfg.Tools, ToolDeps{
		Cache:     s.cache,
		Artifacts: s.artifacts,
		Metrics:   s.metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	dispatchOpts, err := DispatcherOptions(cfg.Tools)
	if err != nil {
		return nil, err
	}
	dispatchOpts.Logger = logger
	dispatchOpts.Metrics = s.metrics
	dispatchOpts.Tracer = s.tracer
	dispatcher := agent.NewDispatcher(s.engine, s.tools, dispatchOpts)

	s.manager = agent.NewSessionManager(s.engine, dispatcher, agent.SessionManagerConfig{
		AssistantID:       cfg.Assistant.ID,
		UploadedFilesText: cfg.Gateway.UploadedFilesText,
		RunPageSize:       cfg.Gateway.RunPageSize,
		Retry:             RetryConfig(cfg),
		Logger:  logger,
		Metrics: s.metrics,
		Tracer:  s.tracer,
	})

	s.sessions, err = sessions.Open(ctx, sessions.Config{Backend: cfg.Sessions.Backend, DSN: cfg.Sessions.DSN})
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}

	s.channels = channels.NewRegistry()
	if err := s.registerChannels(); err != nil {
		return nil, err
	}

	s.gateway = New(s.manager, s.sessions, Options{
		Greeting:           cfg.Gateway.Greeting,
		TurnTimeout:        cfg.Gateway.TurnTimeout,
		MaxConcurrentTurns: cfg.Gateway.MaxConcurrentTurns,
		Logger:             logger,
		Metrics:            s.metrics,
		Tracer:             s.tracer,
	})
	return s, nil
}

func (s *Server) registerChannels() error {
	cfg := s.cfg.Channels
	edit := s.cfg.Gateway.EditInterval
	var adapters []channels.Adapter

	if cfg.Web.Enabled {
		starters := make([]web.Starter, 0, len(s.cfg.Gateway.Starters))
		for _, st := range s.cfg.Gateway.Starters {
			starters = append(starters, web.Starter{Label: st.Label, Message: st.Message})
		}
		adapters = append(adapters, web.New(web.Config{
			AllowedOrigins: cfg.Web.AllowedOrigins,
			MaxUploadBytes: cfg.Web.MaxUploadBytes,
			Starters:       starters,
			Logger:         s.logger,
		}))
	}
	if cfg.Terminal.Enabled {
		starters := make([]terminal.Starter, 0, len(s.cfg.Gateway.Starters))
		for _, st := range s.cfg.Gateway.Starters {
			starters = append(starters, terminal.Starter{Label: st.Label, Message: st.Message})
		}
		s.terminal = terminal.New(terminal.Config{
			In:       s.opts.TerminalIn,
			Out:      s.opts.TerminalOut,
			Starters: starters,
			Logger:   s.logger,
		})
		adapters = append(adapters, s.terminal)
	}
	if cfg.Slack.Enabled {
		adapter, err := slack.NewAdapter(slack.Config{
			BotToken:     cfg.Slack.BotToken,
			AppToken:     cfg.Slack.AppToken,
			EditInterval: edit,
			Logger:       s.logger,
		})
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
	}
	if cfg.Discord.Enabled {
		adapter, err := discord.NewAdapter(discord.Config{
			Token:        cfg.Discord.BotToken,
			EditInterval: edit,
			Logger:       s.logger,
		})
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
	}
	if cfg.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			Token:        cfg.Telegram.BotToken,
			EditInterval: edit,
			Logger:       s.logger,
		})
		if err != nil {
			return err
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return errors.New("no channels enabled")
	}
	for _, adapter := range adapters {
		if err := s.channels.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

// Tools returns the registered tools.
func (s *Server) Tools() *agent.ToolRegistry { return s.tools }

// Manager returns the session manager.
func (s *Server) Manager() *agent.SessionManager { return s.manager }

// Start acquires the instance lock, ensures the assistant exists, and starts
// the HTTP server, the channels and event processing.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()
	if !s.opts.SkipLock {
		lock, err := AcquireInstanceLock(ctx, LockOptions{StateDir: s.opts.StateDir, ConfigPath: s.opts.ConfigPath})
		if err != nil {
			return err
		}
		s.lock = lock
	}

	assistantID, err := s.manager.EnsureAssistant(ctx, agent.AssistantSpec{
		Name:         s.cfg.Assistant.Name,
		Instructions: s.cfg.Assistant.Instructions,
		Model:        s.cfg.Assistant.Model,
		Tools:        s.tools.Tools(),
		FileSearch:   config.Enabled(s.cfg.Assistant.FileSearch),
	})
	if err != nil {
		s.releaseLock()
		return err
	}
	s.logger.Info("assistant ready", "assistant_id", assistantID)

	if err := s.startHTTP(); err != nil {
		s.releaseLock()
		return err
	}
	s.cleanup.Start()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if err := s.channels.StartAll(runCtx); err != nil {
		cancel()
		s.cleanup.Stop(ctx)
		s.stopHTTP(ctx)
		s.releaseLock()
		return err
	}

	events := s.channels.AggregateEvents(runCtx)
	go func() {
		defer close(s.done)
		s.gateway.Run(runCtx, events)
	}()
	s.logger.Info("gateway started", "channels", len(s.channels.All()), "addr", s.cfg.Server.Addr())
	return nil
}

// Done is closed once event processing has ended, for example when the
// terminal session quits.
func (s *Server) Done() <-chan struct{} { return s.done }

// Stop shuts the gateway down. Running turns may finish until ctx ends and
// are cancelled after that.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping gateway")
		s.stopHTTP(ctx)
		if err := s.channels.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
		if s.cancel != nil {
			select {
			case <-s.done:
			case <-ctx.Done():
				s.logger.Warn("shutdown timeout, cancelling turns in flight")
				s.cancel()
				<-s.done
			}
			s.cancel()
		}
		s.cleanup.Stop(ctx)
		s.closeStores()
		if err := s.traceShutdown(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
		s.releaseLock()
	})
	return errors.Join(errs...)
}

func (s *Server) closeStores() {
	if s.sessions != nil {
		if err := s.sessions.Close(); err != nil {
			s.logger.Warn("failed to close session store", "error", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("failed to close cache", "error", err)
		}
	}
	if s.artifacts != nil {
		if err := s.artifacts.Close(); err != nil {
			s.logger.Warn("failed to close artifact store", "error", err)
		}
	}
}

func (s *Server) releaseLock() {
	if err := s.lock.Release(); err != nil {
		s.logger.Warn("failed to release instance lock", "error", err)
	}
	s.lock = nil
}
