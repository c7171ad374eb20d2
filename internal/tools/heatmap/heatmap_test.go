package heatmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/haasonsaas/atlas/internal/agent"
	"github.com/haasonsaas/atlas/internal/artifacts"
)

func newRepository(t *testing.T) *artifacts.Repository {
	t.Helper()
	store, err := artifacts.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return artifacts.NewRepository(store, artifacts.RepositoryOptions{PublicURL: "http://localhost:8080"})
}

func mustArgs(t *testing.T, points ...Point) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(Params{MapData: points})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestExecuteEmptyInput(t *testing.T) {
	tool := New(Config{Artifacts: newRepository(t), PreviewSize: 64})
	for _, raw := range []json.RawMessage{mustArgs(t), json.RawMessage(`{"map_data":[]}`)} {
		result, err := tool.Execute(context.Background(), raw)
		if err != nil {
			t.Fatalf("Execute(%s): %v", raw, err)
		}
		if result.Content != `{"status":"Error","message":"No data provided"}` {
			t.Fatalf("content = %s", result.Content)
		}
		if len(result.Artifacts) != 0 {
			t.Fatalf("artifacts = %d", len(result.Artifacts))
		}
	}
}

func TestExecuteSinglePoint(t *testing.T) {
	repo := newRepository(t)
	tool := New(Config{Artifacts: repo, PreviewSize: 128})

	result, err := tool.Execute(context.Background(), mustArgs(t, Point{Latitude: "14.5", Longitude: "121.25", Value: "3"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var out Result
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != StatusCreated || out.Points != 1 {
		t.Fatalf("result = %+v", out)
	}
	if len(out.Center) != 2 || out.Center[0] != 14.5 || out.Center[1] != 121.25 {
		t.Fatalf("center = %v", out.Center)
	}
	if !strings.HasPrefix(out.File, "http://localhost:8080/artifacts/") {
		t.Fatalf("file = %q", out.File)
	}
	if out.Preview == "" || out.Preview == out.File {
		t.Fatalf("preview = %q", out.Preview)
	}

	if len(result.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want html and png", len(result.Artifacts))
	}
	htmlArt, pngArt := result.Artifacts[0], result.Artifacts[1]

	_, body, err := repo.Open(context.Background(), htmlArt.ID)
	if err != nil {
		t.Fatalf("Open html: %v", err)
	}
	page, _ := io.ReadAll(body)
	body.Close()
	compact := strings.Join(strings.Fields(string(page)), "")
	if !strings.Contains(compact, "setView([14.5,121.25],12)") {
		t.Fatalf("page does not center on the point:\n%s", page)
	}
	if !strings.Contains(compact, "L.heatLayer([[14.5,121.25,3]]") {
		t.Fatalf("page does not carry heat data:\n%s", page)
	}

	if pngArt.MimeType != "image/png" || len(pngArt.Data) == 0 {
		t.Fatalf("preview artifact = %+v", pngArt)
	}
	img, err := png.Decode(bytes.NewReader(pngArt.Data))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 128 || b.Dy() != 128 {
		t.Fatalf("preview bounds = %v", b)
	}
}

func TestExecuteWithoutPreview(t *testing.T) {
	tool := New(Config{Artifacts: newRepository(t)})
	result, err := tool.Execute(context.Background(), mustArgs(t, Point{Latitude: "1", Longitude: "2", Value: "1"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out Result
	_ = json.Unmarshal([]byte(result.Content), &out)
	if out.Preview != "" || len(result.Artifacts) != 1 {
		t.Fatalf("preview rendered when disabled: %+v", out)
	}
}

func TestExecuteRejectsUnparseableFields(t *testing.T) {
	tool := New(Config{Artifacts: newRepository(t)})
	cases := []Point{
		{Latitude: "abc", Longitude: "2", Value: "1"},
		{Latitude: "1", Longitude: "", Value: "1"},
		{Latitude: "1", Longitude: "2", Value: "NaN"},
		{Latitude: "91", Longitude: "2", Value: "1"},
		{Latitude: "1", Longitude: "200", Value: "1"},
	}
	for _, p := range cases {
		_, err := tool.Execute(context.Background(), mustArgs(t, Point{Latitude: "0", Longitude: "0", Value: "0"}, p))
		if !errors.Is(err, agent.ErrInvalidToolInput) {
			t.Errorf("Execute(%+v) err = %v, want ErrInvalidToolInput", p, err)
		}
	}
}

func TestCentroid(t *testing.T) {
	tests := []struct {
		name   string
		points []WeightedPoint
		want   LatLon
	}{
		{name: "empty", want: LatLon{}},
		{name: "single", points: []WeightedPoint{{Lat: 10, Lon: 20}}, want: LatLon{Lat: 10, Lon: 20}},
		{name: "mean", points: []WeightedPoint{{Lat: 10, Lon: 20}, {Lat: 14, Lon: 22}, {Lat: 12, Lon: 27}}, want: LatLon{Lat: 12, Lon: 23}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Centroid(tt.points)
			if math.Abs(got.Lat-tt.want.Lat) > 1e-9 || math.Abs(got.Lon-tt.want.Lon) > 1e-9 {
				t.Fatalf("Centroid = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRenderPreviewShadesPoints(t *testing.T) {
	points := []WeightedPoint{{Lat: 14.5, Lon: 121.0, Value: 10}, {Lat: 14.6, Lon: 121.1, Value: 1}}
	grid := accumulate(points)
	peak := 0.0
	for y := range grid {
		for x := range grid[y] {
			peak = math.Max(peak, grid[y][x])
		}
	}
	if peak != 1 {
		t.Fatalf("peak intensity = %v, want 1", peak)
	}
	if got := shade(0); got != background {
		t.Fatalf("shade(0) = %v, want background", got)
	}
	if got := gradientAt(1); got.R != 255 || got.G != 0 {
		t.Fatalf("gradientAt(1) = %v, want red", got)
	}
}

func TestRegistryRejectsNumericFields(t *testing.T) {
	registry := agent.NewToolRegistry()
	tool := New(Config{Artifacts: newRepository(t)})
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := registry.Invoke(context.Background(), tool, json.RawMessage(`{"map_data":[{"latitude":1,"longitude":"2","value":"3"}]}`))
	if !agent.IsToolError(err, agent.ToolErrorInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
	result, err := registry.Invoke(context.Background(), tool, json.RawMessage(`{"map_data":[]}`))
	if err != nil {
		t.Fatalf("empty map_data: %v", err)
	}
	if !strings.Contains(result.Content, "No data provided") {
		t.Fatalf("content = %s", result.Content)
	}
}
