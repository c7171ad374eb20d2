// Package heatmap implements visualize_on_map, which renders weighted points
// as an interactive Leaflet heat map plus a PNG preview for chat surfaces.
package heatmap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/artifacts"
	"github.com/haasonsaas/atlas/internal/tools"
)

const (
	// Name is the function name advertised to the assistant.
	Name = "visualize_on_map"

	// DefaultZoom is the initial zoom level of the rendered map.
	DefaultZoom = 12

	// MaxPoints bounds a single request.
	MaxPoints = 5000

	StatusCreated = "Heatmap Created"
	StatusError   = "Error"
)

// Point is one weighted location. All fields arrive as strings.
type Point struct {
	Latitude  string `json:"latitude" jsonschema_description:"Latitude coordinate of the point"`
	Longitude string `json:"longitude" jsonschema_description:"Longitude coordinate of the point"`
	Value     string `json:"value" jsonschema_description:"Float Value to plot at the point, Only used if the visualization wanted is a heatmap"`
}

// Params are the tool arguments.
type Params struct {
	MapData []Point `json:"map_data" jsonschema_description:"A dataset to plot on a map"`
}

// Result is the JSON document submitted as the tool output.
type Result struct {
	Status  string    `json:"status"`
	Message string    `json:"message,omitempty"`
	File    string    `json:"file,omitempty"`
	Preview string    `json:"preview,omitempty"`
	Center  []float64 `json:"center,omitempty"`
	Points  int       `json:"points,omitempty"`
}

// ArtifactStore persists rendered files.
type ArtifactStore interface {
	Save(ctx context.Context, req artifacts.SaveRequest) (*artifacts.Artifact, error)
	URL(id string) string
}

// Config configures the tool.
type Config struct {
	Artifacts ArtifactStore

	Zoom int

	// PreviewSize is the edge length of the square PNG preview in pixels.
	// Zero disables the preview.
	PreviewSize int

	// TileURL is the Leaflet tile layer template.
	TileURL string

	Logger *slog.Logger
}

// Tool is the visualize_on_map tool.
type Tool struct {
	cfg    Config
	logger *slog.Logger
}

// New creates the tool.
func New(cfg Config) *Tool {
	if cfg.Zoom <= 0 {
		cfg.Zoom = DefaultZoom
	}
	if cfg.PreviewSize < 0 {
		cfg.PreviewSize = 0
	}
	if cfg.TileURL == "" {
		cfg.TileURL = defaultTileURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{cfg: cfg, logger: logger.With("tool", Name)}
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Plot map data as a heat map"
}

func (t *Tool) Schema() json.RawMessage {
	return tools.SchemaFor(&Params{})
}

// Execute renders the heat map. Empty input yields an Error status result,
// not a Go error.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var params Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrInvalidToolInput, err)
	}
	if len(params.MapData) == 0 {
		return agent.JSONResult(Result{Status: StatusError, Message: "No data provided"})
	}
	if len(params.MapData) > MaxPoints {
		return nil, fmt.Errorf("%w: %d points exceeds the limit of %d", agent.ErrInvalidToolInput, len(params.MapData), MaxPoints)
	}

	points, err := ParsePoints(params.MapData)
	if err != nil {
		return nil, err
	}
	center := Centroid(points)

	page, err := RenderHTML(Page{Center: center, Zoom: t.cfg.Zoom, Points: points, TileURL: t.cfg.TileURL})
	if err != nil {
		return nil, err
	}
	if t.cfg.Artifacts == nil {
		return nil, fmt.Errorf("heat map storage is not configured")
	}
	htmlArtifact, err := t.cfg.Artifacts.Save(ctx, artifacts.SaveRequest{
		Type:     "heatmap",
		MimeType: "text/html",
		Filename: "heatmap.html",
		Data:     page,
	})
	if err != nil {
		return nil, fmt.Errorf("store heat map: %w", err)
	}

	result := Result{
		Status: StatusCreated,
		File:   t.cfg.Artifacts.URL(htmlArtifact.ID),
		Center: []float64{center.Lat, center.Lon},
		Points: len(points),
	}
	out := []agent.Artifact{{
		ID:        htmlArtifact.ID,
		Type:      "file",
		MimeType:  "text/html",
		Filename:  "heatmap.html",
		Reference: result.File,
	}}

	if t.cfg.PreviewSize > 0 {
		png, err := RenderPreview(points, t.cfg.PreviewSize)
		if err != nil {
			return nil, err
		}
		previewArtifact, err := t.cfg.Artifacts.Save(ctx, artifacts.SaveRequest{
			Type:     "heatmap_preview",
			MimeType: "image/png",
			Filename: "heatmap.png",
			Data:     png,
		})
		if err != nil {
			return nil, fmt.Errorf("store heat map preview: %w", err)
		}
		result.Preview = t.cfg.Artifacts.URL(previewArtifact.ID)
		out = append(out, agent.Artifact{
			ID:        previewArtifact.ID,
			Type:      "image",
			MimeType:  "image/png",
			Filename:  "heatmap.png",
			Data:      png,
			Reference: result.Preview,
		})
	}

	t.logger.Info("heat map rendered", "points", len(points), "center_lat", center.Lat, "center_lon", center.Lon, "file", result.File)

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(payload), Artifacts: out}, nil
}

// WeightedPoint is a parsed Point.
type WeightedPoint struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Value float64 `json:"value"`
}

// LatLon is a map coordinate.
type LatLon struct {
	Lat float64
	Lon float64
}

// ParsePoints converts string fields to floats. Any unparseable, non-finite
// or out-of-range field is an argument error.
func ParsePoints(in []Point) ([]WeightedPoint, error) {
	out := make([]WeightedPoint, 0, len(in))
	for i, p := range in {
		lat, err := parseField(i, "latitude", p.Latitude)
		if err != nil {
			return nil, err
		}
		lon, err := parseField(i, "longitude", p.Longitude)
		if err != nil {
			return nil, err
		}
		value, err := parseField(i, "value", p.Value)
		if err != nil {
			return nil, err
		}
		if lat < -90 || lat > 90 {
			return nil, fmt.Errorf("%w: map_data[%d].latitude %v out of range", agent.ErrInvalidToolInput, i, lat)
		}
		if lon < -180 || lon > 180 {
			return nil, fmt.Errorf("%w: map_data[%d].longitude %v out of range", agent.ErrInvalidToolInput, i, lon)
		}
		out = append(out, WeightedPoint{Lat: lat, Lon: lon, Value: value})
	}
	return out, nil
}

func parseField(i int, field, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: map_data[%d].%s %q is not a number", agent.ErrInvalidToolInput, i, field, raw)
	}
	return v, nil
}

// Centroid returns the arithmetic mean of the coordinates.
func Centroid(points []WeightedPoint) LatLon {
	if len(points) == 0 {
		return LatLon{}
	}
	var lat, lon float64
	for _, p := range points {
		lat += p.Lat
		lon += p.Lon
	}
	n := float64(len(points))
	return LatLon{Lat: lat / n, Lon: lon / n}
}
