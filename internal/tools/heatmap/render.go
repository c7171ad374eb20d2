package heatmap

import (
	"bytes"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

const defaultTileURL = "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png"

// Page is the data behind the rendered HTML map.
type Page struct {
	Center  LatLon
	Zoom    int
	Points  []WeightedPoint
	TileURL string
}

var pageTemplate = template.Must(template.New("heatmap").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Heat map</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<script src="https://unpkg.com/leaflet.heat@0.2.0/dist/leaflet-heat.js"></script>
<style>html, body, #map { height: 100%; margin: 0; }</style>
</head>
<body>
<div id="map"></div>
<script>
var map = L.map("map").setView([{{.Center.Lat}}, {{.Center.Lon}}], {{.Zoom}});
L.tileLayer({{.TileURL}}, {
  maxZoom: 19,
  attribution: "&copy; OpenStreetMap contributors"
}).addTo(map);
L.heatLayer({{.HeatData}}, {radius: 25, max: {{.Max}}}).addTo(map);
</script>
</body>
</html>
`))

type pageData struct {
	Page
	HeatData [][3]float64
	Max      float64
}

// RenderHTML renders a self-contained Leaflet page centered on p.Center.
func RenderHTML(p Page) ([]byte, error) {
	if p.TileURL == "" {
		p.TileURL = defaultTileURL
	}
	data := pageData{Page: p, HeatData: make([][3]float64, 0, len(p.Points)), Max: 1}
	maxValue := 0.0
	for _, pt := range p.Points {
		data.HeatData = append(data.HeatData, [3]float64{pt.Lat, pt.Lon, pt.Value})
		maxValue = math.Max(maxValue, pt.Value)
	}
	if maxValue > 0 {
		data.Max = maxValue
	}
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render heat map: %w", err)
	}
	return buf.Bytes(), nil
}

const (
	gridSize     = 64
	kernelRadius = 5
	kernelSigma  = 2.0
)

var background = color.RGBA{R: 242, G: 239, B: 233, A: 255}

// gradient mirrors the Leaflet heat default stops.
var gradient = []struct {
	stop float64
	c    color.RGBA
}{
	{0.0, color.RGBA{B: 255, A: 255}},
	{0.4, color.RGBA{B: 255, A: 255}},
	{0.6, color.RGBA{G: 255, B: 255, A: 255}},
	{0.7, color.RGBA{G: 255, A: 255}},
	{0.8, color.RGBA{R: 255, G: 255, A: 255}},
	{1.0, color.RGBA{R: 255, A: 255}},
}

// RenderPreview rasterizes the points into a size x size PNG. Intensities
// are accumulated on a coarse grid with a gaussian kernel and scaled up.
func RenderPreview(points []WeightedPoint, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("preview size must be positive")
	}
	grid := accumulate(points)

	small := image.NewRGBA(image.Rect(0, 0, gridSize, gridSize))
	for y := 0; y < gridSize; y++ {
		for x := 0; x < gridSize; x++ {
			small.SetRGBA(x, y, shade(grid[y][x]))
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), small, small.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

// accumulate returns normalized intensities in [0, 1], row 0 at the
// northern edge.
func accumulate(points []WeightedPoint) [gridSize][gridSize]float64 {
	var grid [gridSize][gridSize]float64
	if len(points) == 0 {
		return grid
	}

	minLat, maxLat := points[0].Lat, points[0].Lat
	minLon, maxLon := points[0].Lon, points[0].Lon
	maxValue := 0.0
	for _, p := range points {
		minLat, maxLat = math.Min(minLat, p.Lat), math.Max(maxLat, p.Lat)
		minLon, maxLon = math.Min(minLon, p.Lon), math.Max(maxLon, p.Lon)
		maxValue = math.Max(maxValue, p.Value)
	}
	latSpan := math.Max(maxLat-minLat, 0.01)
	lonSpan := math.Max(maxLon-minLon, 0.01)
	midLat, midLon := (minLat+maxLat)/2, (minLon+maxLon)/2
	// 15% padding on every side keeps blobs off the border
	latSpan *= 1.3
	lonSpan *= 1.3
	top := midLat + latSpan/2
	left := midLon - lonSpan/2

	peak := 0.0
	for _, p := range points {
		weight := 1.0
		if maxValue > 0 {
			weight = math.Max(p.Value, 0) / maxValue
		}
		if weight == 0 {
			continue
		}
		cx := (p.Lon - left) / lonSpan * (gridSize - 1)
		cy := (top - p.Lat) / latSpan * (gridSize - 1)
		for dy := -kernelRadius; dy <= kernelRadius; dy++ {
			for dx := -kernelRadius; dx <= kernelRadius; dx++ {
				x := int(math.Round(cx)) + dx
				y := int(math.Round(cy)) + dy
				if x < 0 || y < 0 || x >= gridSize || y >= gridSize {
					continue
				}
				d2 := math.Pow(float64(x)-cx, 2) + math.Pow(float64(y)-cy, 2)
				grid[y][x] += weight * math.Exp(-d2/(2*kernelSigma*kernelSigma))
				peak = math.Max(peak, grid[y][x])
			}
		}
	}
	if peak == 0 {
		return grid
	}
	for y := range grid {
		for x := range grid[y] {
			grid[y][x] /= peak
		}
	}
	return grid
}

// shade blends the gradient color for intensity over the background.
func shade(intensity float64) color.RGBA {
	if intensity <= 0.02 {
		return background
	}
	c := gradientAt(intensity)
	alpha := math.Min(1, 0.3+intensity)
	blend := func(fg, bg uint8) uint8 {
		return uint8(math.Round(float64(fg)*alpha + float64(bg)*(1-alpha)))
	}
	return color.RGBA{
		R: blend(c.R, background.R),
		G: blend(c.G, background.G),
		B: blend(c.B, background.B),
		A: 255,
	}
}

func gradientAt(v float64) color.RGBA {
	v = math.Max(0, math.Min(1, v))
	for i := 1; i < len(gradient); i++ {
		lo, hi := gradient[i-1], gradient[i]
		if v > hi.stop {
			continue
		}
		span := hi.stop - lo.stop
		if span == 0 {
			return hi.c
		}
		f := (v - lo.stop) / span
		mix := func(a, b uint8) uint8 {
			return uint8(math.Round(float64(a) + (float64(b)-float64(a))*f))
		}
		return color.RGBA{R: mix(lo.c.R, hi.c.R), G: mix(lo.c.G, hi.c.G), B: mix(lo.c.B, hi.c.B), A: 255}
	}
	return gradient[len(gradient)-1].c
}
