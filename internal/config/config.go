// Package config loads the atlas configuration file.
//
// Files are YAML or JSON5, may pull in other files with $include, and have
// ${ENV} references expanded before parsing. A .env file next to the working
// directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the main configuration structure for atlas.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Assistant     AssistantConfig     `yaml:"assistant"`
	Tools         ToolsConfig         `yaml:"tools"`
	Cache         CacheConfig         `yaml:"cache"`
	Artifacts     ArtifactsConfig     `yaml:"artifacts"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// PublicURL prefixes artifact links handed to the assistant and users.
	PublicURL       string        `yaml:"public_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type OpenAIConfig struct {
	APIKey       string      `yaml:"api_key"`
	BaseURL      string      `yaml:"base_url"`
	Organization string      `yaml:"organization"`
	Retry        RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// AssistantConfig selects the remote assistant. With an empty ID one is
// created at startup from the remaining fields.
type AssistantConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
	Model        string `yaml:"model"`
	FileSearch   *bool  `yaml:"file_search"`
}

type ToolsConfig struct {
	Places  PlacesToolConfig  `yaml:"places"`
	Heatmap HeatmapToolConfig `yaml:"heatmap"`

	// Concurrency is the number of tool calls of one batch run at once.
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`

	// OnError is "abort" or "report".
	OnError   string `yaml:"on_error"`
	MaxRounds int    `yaml:"max_rounds"`
}

type PlacesToolConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	APIKey   string        `yaml:"api_key"`
	Endpoint string        `yaml:"endpoint"`
	Host     string        `yaml:"host"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type HeatmapToolConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	Zoom        int    `yaml:"zoom"`
	PreviewSize int    `yaml:"preview_size"`
	TileURL     string `yaml:"tile_url"`
}

type CacheConfig struct {
	// Backend is "memory", "redis" or "none".
	Backend    string      `yaml:"backend"`
	MaxEntries int         `yaml:"max_entries"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type ArtifactsConfig struct {
	// Backend is "local" or "s3".
	Backend         string        `yaml:"backend"`
	Dir             string        `yaml:"dir"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	S3              S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type SessionsConfig struct {
	// Backend is "memory", "sqlite", "postgres" or "bolt".
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

type ChannelsConfig struct {
	Web      WebChannelConfig      `yaml:"web"`
	Terminal TerminalChannelConfig `yaml:"terminal"`
	Slack    SlackConfig           `yaml:"slack"`
	Discord  DiscordConfig         `yaml:"discord"`
	Telegram TelegramConfig        `yaml:"telegram"`
}

type WebChannelConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

type TerminalChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// Starter is a canned prompt offered when a session opens.
type Starter struct {
	Label   string `yaml:"label"`
	Message string `yaml:"message"`
}

type GatewayConfig struct {
	Greeting    string        `yaml:"greeting"`
	Starters    []Starter     `yaml:"starters"`
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// MaxConcurrentTurns bounds turns running across all sessions.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`

	// EditInterval throttles in-place message edits on chat platforms.
	EditInterval time.Duration `yaml:"edit_interval"`

	// UploadedFilesText replaces an empty message that carries files.
	UploadedFilesText string `yaml:"uploaded_files_text"`
	RunPageSize       int    `yaml:"run_page_size"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// DefaultStarter is offered when no starters are configured.
var DefaultStarter = Starter{
	Label:   "Coffee shop heat map",
	Message: "Find coffee shops in Austin, Texas and plot them on a heat map weighted by rating.",
}

const (
	DefaultGreeting          = "Hi, How can I help you today?"
	DefaultUploadedFilesText = "The user uploaded files."
	DefaultAssistantName     = "Market Visualization Expert"
	DefaultAssistantModel    = "gpt-4o"
	DefaultInstructions      = `You are a Market Researcher

Your task is to help the user visualize market research.
You can retrieve data from google maps. You can plot this data on a heat map.
`
)

// Load reads the file at path, applies defaults and validates the result.
// An empty path loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	loadDotEnv()

	var cfg *Config
	if strings.TrimSpace(path) == "" {
		cfg = &Config{Version: CurrentVersion}
	} else {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, err
		}
		cfg, err = decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env when present. Variables already set win.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	_ = godotenv.Load() //nolint:errcheck
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://" + cfg.Server.Addr()
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.OpenAI.Retry.MaxAttempts == 0 {
		cfg.OpenAI.Retry.MaxAttempts = 3
	}
	if cfg.OpenAI.Retry.InitialBackoff == 0 {
		cfg.OpenAI.Retry.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.OpenAI.Retry.MaxBackoff == 0 {
		cfg.OpenAI.Retry.MaxBackoff = 10 * time.Second
	}

	if cfg.Assistant.Name == "" {
		cfg.Assistant.Name = DefaultAssistantName
	}
	if cfg.Assistant.Instructions == "" {
		cfg.Assistant.Instructions = DefaultInstructions
	}
	if cfg.Assistant.Model == "" {
		cfg.Assistant.Model = DefaultAssistantModel
	}
	if cfg.Assistant.FileSearch == nil {
		cfg.Assistant.FileSearch = boolPtr(true)
	}

	tools := &cfg.Tools
	if tools.Places.Enabled == nil {
		tools.Places.Enabled = boolPtr(true)
	}
	if tools.Places.CacheTTL == 0 {
		tools.Places.CacheTTL = 10 * time.Minute
	}
	if tools.Heatmap.Enabled == nil {
		tools.Heatmap.Enabled = boolPtr(true)
	}
	if tools.Heatmap.Zoom == 0 {
		tools.Heatmap.Zoom = 12
	}
	if tools.Concurrency == 0 {
		tools.Concurrency = 1
	}
	if tools.Timeout == 0 {
		tools.Timeout = 60 * time.Second
	}
	if tools.OnError == "" {
		tools.OnError = "abort"
	}
	if tools.MaxRounds == 0 {
		tools.MaxRounds = 16
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}

	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "local"
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = "data/artifacts"
	}
	if cfg.Artifacts.TTL == 0 {
		cfg.Artifacts.TTL = 24 * time.Hour
	}
	if cfg.Artifacts.CleanupSchedule == "" {
		cfg.Artifacts.CleanupSchedule = "@every 10m"
	}

	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}

	if cfg.Channels.Web.Path == "" {
		cfg.Channels.Web.Path = "/ws"
	}
	if cfg.Channels.Web.MaxUploadBytes == 0 {
		cfg.Channels.Web.MaxUploadBytes = 20 << 20
	}

	if cfg.Gateway.Greeting == "" {
		cfg.Gateway.Greeting = DefaultGreeting
	}
	if cfg.Gateway.Starters == nil {
		cfg.Gateway.Starters = []Starter{DefaultStarter}
	}
	if cfg.Gateway.UploadedFilesText == "" {
		cfg.Gateway.UploadedFilesText = DefaultUploadedFilesText
	}
	if cfg.Gateway.EditInterval == 0 {
		cfg.Gateway.EditInterval = time.Second
	}
	if cfg.Gateway.RunPageSize == 0 {
		cfg.Gateway.RunPageSize = 100
	}
	if cfg.Gateway.MaxConcurrentTurns == 0 {
		cfg.Gateway.MaxConcurrentTurns = 32
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "atlas"
	}
}

// applyEnvOverrides fills secrets left empty in the file from the
// conventional environment variables.
func applyEnvOverrides(cfg *Config) {
	setFromEnv(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&cfg.Assistant.ID, "OPENAI_ASSISTANT_ID")
	setFromEnv(&cfg.Tools.Places.APIKey, "RAPID_API_KEY")
	setFromEnv(&cfg.Channels.Slack.BotToken, "SLACK_BOT_TOKEN")
	setFromEnv(&cfg.Channels.Slack.AppToken, "SLACK_APP_TOKEN")
	setFromEnv(&cfg.Channels.Discord.BotToken, "DISCORD_BOT_TOKEN")
	setFromEnv(&cfg.Channels.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
}

func setFromEnv(dst *string, key string) {
	if strings.TrimSpace(*dst) != "" {
		return
	}
	if value, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(value)
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.OpenAI.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("openai.retry.max_attempts must be at least 1"))
	}
	if c.Assistant.ID == "" && c.Assistant.Model == "" {
		errs = append(errs, errors.New("assistant.model is required when assistant.id is empty"))
	}

	switch strings.ToLower(c.Tools.OnError) {
	case "abort", "report":
	default:
		errs = append(errs, fmt.Errorf("tools.on_error must be abort or report, got %q", c.Tools.OnError))
	}
	if c.Tools.Concurrency < 1 {
		errs = append(errs, errors.New("tools.concurrency must be at least 1"))
	}
	if c.Tools.MaxRounds < 0 {
		errs = append(errs, errors.New("tools.max_rounds must not be negative"))
	}
	if c.Tools.Heatmap.PreviewSize < 0 || c.Tools.Heatmap.PreviewSize > 2048 {
		errs = append(errs, fmt.Errorf("tools.heatmap.preview_size %d out of range", c.Tools.Heatmap.PreviewSize))
	}

	switch c.Cache.Backend {
	case "memory", "none":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}

	switch c.Artifacts.Backend {
	case "local":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			errs = append(errs, errors.New("artifacts.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown artifacts.backend %q", c.Artifacts.Backend))
	}

	switch c.Sessions.Backend {
	case "memory":
	case "sqlite", "postgres", "bolt":
		if c.Sessions.DSN == "" {
			errs = append(errs, fmt.Errorf("sessions.dsn is required for the %s backend", c.Sessions.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sessions.backend %q", c.Sessions.Backend))
	}

	ch := c.Channels
	if ch.Slack.Enabled && (ch.Slack.BotToken == "" || ch.Slack.AppToken == "") {
		errs = append(errs, errors.New("channels.slack requires bot_token and app_token"))
	}
	if ch.Discord.Enabled && ch.Discord.BotToken == "" {
		errs = append(errs, errors.New("channels.discord requires bot_token"))
	}
	if ch.Telegram.Enabled && ch.Telegram.BotToken == "" {
		errs = append(errs, errors.New("channels.telegram requires bot_token"))
	}
	if c.Gateway.MaxConcurrentTurns < 1 {
		errs = append(errs, errors.New("gateway.max_concurrent_turns must be at least 1"))
	}
	if c.Gateway.TurnTimeout < 0 {
		errs = append(errs, errors.New("gateway.turn_timeout must not be negative"))
	}
	for i, starter := range c.Gateway.Starters {
		if strings.TrimSpace(starter.Label) == "" || strings.TrimSpace(starter.Message) == "" {
			errs = append(errs, fmt.Errorf("gateway.starters[%d] needs label and message", i))
		}
	}

	rate := c.Observability.Tracing.SamplingRate
	if rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sampling_rate %v out of range", rate))
	}
	if c.Observability.Tracing.Enabled && c.Observability.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("observability.tracing.endpoint is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

// Enabled reports a tri-state flag, treating unset as on.
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}

func boolPtr(v bool) *bool {
	return &v
}
