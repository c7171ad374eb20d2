// Package places implements search_google_maps, a points-of-interest lookup
// against the RapidAPI local business data service.
package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/cache"
	"github.com/haasonsaas/atlas/internal/observability"
	"github.com/haasonsaas/atlas/internal/tools"
)

const (
	// Name is the function name advertised to the assistant.
	Name = "search_google_maps"

	DefaultEndpoint = "https://local-business-data.p.rapidapi.com/search"
	DefaultHost     = "local-business-data.p.rapidapi.com"

	defaultTimeout  = 30 * time.Second
	defaultCacheTTL = 10 * time.Minute

	maxResponseBytes = 4 << 20
)

// Fixed query parameters sent with every search.
const (
	resultLimit = "10"
	searchZoom  = "13"
	language    = "en"
)

// Params are the tool arguments. Coordinates arrive as strings.
type Params struct {
	Query     string `json:"query" jsonschema_description:"A query to search for (ex. Fast Food in Metro Manila)"`
	Latitude  string `json:"latitude" jsonschema_description:"latitude coordinate"`
	Longitude string `json:"longitude" jsonschema_description:"longitude coordinate"`
}

// Config configures the tool.
type Config struct {
	APIKey   string
	Endpoint string
	Host     string
	Timeout  time.Duration

	// Cache stores raw responses keyed by the arguments. Nil disables caching.
	Cache    cache.Store
	CacheTTL time.Duration

	HTTPClient *http.Client
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Tool is the search_google_maps tool.
type Tool struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates the tool. A missing API key is reported when the tool runs.
func New(cfg Config) *Tool {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{cfg: cfg, httpClient: httpClient, logger: logger.With("tool", Name)}
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Research google map points of interest given a query and a latitude/longitude coordinate"
}

func (t *Tool) Schema() json.RawMessage {
	return tools.SchemaFor(&Params{})
}

// Execute performs the search and returns the upstream JSON document.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var params Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrInvalidToolInput, err)
	}
	params.Query = strings.TrimSpace(params.Query)
	params.Latitude = strings.TrimSpace(params.Latitude)
	params.Longitude = strings.TrimSpace(params.Longitude)
	if params.Query == "" {
		return nil, fmt.Errorf("%w: query is required", agent.ErrInvalidToolInput)
	}
	if err := checkCoordinate("latitude", params.Latitude, 90); err != nil {
		return nil, err
	}
	if err := checkCoordinate("longitude", params.Longitude, 180); err != nil {
		return nil, err
	}

	key := cache.Key("places", params.Query, params.Latitude, params.Longitude)
	if body, ok := t.cached(ctx, key); ok {
		return &agent.ToolResult{Content: string(body)}, nil
	}

	if t.cfg.APIKey == "" {
		return nil, errors.New("places search is not configured: missing RapidAPI key")
	}
	body, err := t.search(ctx, params)
	if err != nil {
		return nil, err
	}

	if t.cfg.Cache != nil {
		if err := t.cfg.Cache.Set(ctx, key, body, t.cfg.CacheTTL); err != nil {
			t.logger.Warn("failed to cache places response", "error", err)
		}
	}
	return &agent.ToolResult{Content: string(body)}, nil
}

func (t *Tool) cached(ctx context.Context, key string) ([]byte, bool) {
	if t.cfg.Cache == nil {
		return nil, false
	}
	body, ok, err := t.cfg.Cache.Get(ctx, key)
	if err != nil {
		t.logger.Warn("places cache lookup failed", "error", err)
		return nil, false
	}
	t.cfg.Metrics.CacheLookup(Name, ok)
	return body, ok
}

func (t *Tool) search(ctx context.Context, params Params) ([]byte, error) {
	query := url.Values{}
	query.Set("query", params.Query)
	query.Set("limit", resultLimit)
	query.Set("lat", params.Latitude)
	query.Set("lng", params.Longitude)
	query.Set("zoom", searchZoom)
	query.Set("language", language)
	query.Set("extract_emails_and_contacts", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build places request: %w", err)
	}
	req.Header.Set("x-rapidapi-key", t.cfg.APIKey)
	req.Header.Set("x-rapidapi-host", t.cfg.Host)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("places request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read places response: %w", err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("places response exceeds %d bytes", maxResponseBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("places search failed: status %d: %s", resp.StatusCode, snippet(body))
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("places search returned invalid JSON: %s", snippet(body))
	}

	status := gjson.GetBytes(body, "status").String()
	if strings.EqualFold(status, "ERROR") {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "error").String()
		}
		return nil, fmt.Errorf("places search error: %s", msg)
	}

	t.logger.Debug("places search",
		"query", params.Query,
		"status", status,
		"results", gjson.GetBytes(body, "data.#").Int(),
		"duration", time.Since(start))
	return body, nil
}

func checkCoordinate(field, value string, limit float64) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%w: %s %q is not a number", agent.ErrInvalidToolInput, field, value)
	}
	if v < -limit || v > limit {
		return fmt.Errorf("%w: %s %v out of range", agent.ErrInvalidToolInput, field, v)
	}
	return nil
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if utf8.RuneCountInString(s) > limit {
		return string([]rune(s)[:limit]) + "..."
	}
	return s
}
