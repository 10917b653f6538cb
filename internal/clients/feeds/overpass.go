package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/detour/server/internal/lib/routing"
)

const (
	DefaultOverpassURL  = "https://overpass-api.de/api/interpreter"
	defaultOverpassGrid = 4
	overpassTimeoutSecs = 180
)

// DefaultOverpassBBox covers the western United States: south, west, north, east
var DefaultOverpassBBox = []float64{36.0, -125.0, 49.0, -102.0}

// Node selectors queried in order. A node matched by several keeps the
// classification from the first.
var overpassSelectors = []string{
	`node["man_made"="surveillance"]`,
	`node["highway"="speed_camera"]`,
	`node["enforcement"]`,
}

type overpassElement struct {
	Type   string      `json:"type"`
	ID     json.Number `json:"id"`
	Lat    *float64    `json:"lat"`
	Lon    *float64    `json:"lon"`
	Center *struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"center"`
	Tags map[string]string `json:"tags"`
}

type tile struct {
	south, west, north, east float64
	label                    string
}

// OverpassLoader queries OpenStreetMap for surveillance devices. The bounding
// box is split into a grid so that each query stays under the Overpass
// timeout.
type OverpassLoader struct {
	fetcher *Fetcher
	pause   time.Duration // Between consecutive queries
}

// NewOverpassLoader creates a loader that pauses one second between queries
func NewOverpassLoader(fetcher *Fetcher) *OverpassLoader {
	return &OverpassLoader{fetcher: fetcher, pause: time.Second}
}

// WithPause returns a copy of l using the given pause between queries
func (l *OverpassLoader) WithPause(pause time.Duration) *OverpassLoader {
	c := *l
	c.pause = pause
	return &c
}

func (l *OverpassLoader) Load(ctx context.Context, feed Feed) ([]routing.AvoidancePoint, error) {
	nodes, err := l.FetchNodes(ctx, feed)
	if err != nil {
		return nil, err
	}
	return nodesToPoints(nodes, feed.ID), nil
}

// FetchNodes returns classified, de-duplicated surveillance nodes in the
// format of the surveillance snapshot file
func (l *OverpassLoader) FetchNodes(ctx context.Context, feed Feed) ([]SurveillanceNode, error) {
	ctx = logging.EnsureLogger(ctx)
	endpoint := feed.URL
	if endpoint == "" {
		endpoint = DefaultOverpassURL
	}
	bbox := feed.BBox
	if len(bbox) == 0 {
		bbox = DefaultOverpassBBox
	}
	if len(bbox) != 4 {
		return nil, fmt.Errorf("overpass bbox needs 4 values (south, west, north, east), got %d", len(bbox))
	}
	grid := feed.Grid
	if grid <= 0 {
		grid = defaultOverpassGrid
	}

	tiles := makeTiles(bbox, grid)
	seen := make(map[string]bool)
	var nodes []SurveillanceNode

	first := true
	for _, selector := range overpassSelectors {
		for _, t := range tiles {
			if !first {
				if err := sleepCtx(ctx, l.pause); err != nil {
					return nil, err
				}
			}
			first = false

			query := fmt.Sprintf("[out:json][timeout:%d];%s(%v,%v,%v,%v);out;",
				overpassTimeoutSecs, selector, t.south, t.west, t.north, t.east)
			data, err := l.fetcher.PostForm(ctx, endpoint, "data="+url.QueryEscape(query))
			if err != nil {
				return nil, fmt.Errorf("overpass %s %s: %w", selector, t.label, err)
			}

			var resp struct {
				Elements []overpassElement `json:"elements"`
			}
			if err := json.NewDecoder(bytes.NewReader(data)).Decode(&resp); err != nil {
				return nil, fmt.Errorf("failed to decode overpass response: %w", err)
			}

			added := 0
			for _, el := range resp.Elements {
				node, ok := extractNode(el)
				if !ok || seen[formatID(node.ID)] {
					continue
				}
				seen[formatID(node.ID)] = true
				nodes = append(nodes, node)
				added++
			}
			logging.Debugw(ctx, "Overpass tile fetched",
				"feed", feed.ID, "selector", selector, "tile", t.label,
				"elements", len(resp.Elements), "added", added, "total", len(nodes))
		}
	}

	logging.Infow(ctx, "Overpass fetch complete", "feed", feed.ID, "nodes", len(nodes), "tiles", len(tiles))
	return nodes, nil
}

// Classify maps OpenStreetMap tags to a surveillance category
func Classify(tags map[string]string) string {
	if tags["highway"] == "speed_camera" {
		return CategorySpeedCamera
	}

	switch tags["enforcement"] {
	case "maxspeed", "average_speed":
		return CategorySpeedCamera
	case "traffic_signals":
		return CategoryRedLightCamera
	}

	switch strings.ToLower(tags["surveillance:type"]) {
	case "alpr", "anpr":
		return CategoryALPR
	case "gunshot_detector":
		return CategoryGunshotDetector
	case "camera", "":
		if strings.ToLower(tags["surveillance:zone"]) == "traffic" {
			return CategoryTrafficCamera
		}
		return CategoryCCTV
	}
	return CategoryOther
}

func extractNode(el overpassElement) (SurveillanceNode, bool) {
	switch {
	case el.Type == "node" && el.Lat != nil && el.Lon != nil:
		return SurveillanceNode{ID: el.ID, Lat: *el.Lat, Lon: *el.Lon, Type: Classify(el.Tags)}, true
	case el.Center != nil:
		return SurveillanceNode{ID: el.ID, Lat: el.Center.Lat, Lon: el.Center.Lon, Type: Classify(el.Tags)}, true
	}
	return SurveillanceNode{}, false
}

func makeTiles(bbox []float64, grid int) []tile {
	south, west, north, east := bbox[0], bbox[1], bbox[2], bbox[3]
	dLat := (north - south) / float64(grid)
	dLon := (east - west) / float64(grid)

	tiles := make([]tile, 0, grid*grid)
	for r := 0; r < grid; r++ {
		for c := 0; c < grid; c++ {
			tiles = append(tiles, tile{
				south: south + float64(r)*dLat,
				west:  west + float64(c)*dLon,
				north: south + float64(r+1)*dLat,
				east:  west + float64(c+1)*dLon,
				label: fmt.Sprintf("tile[%d,%d]", r, c),
			})
		}
	}
	return tiles
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
