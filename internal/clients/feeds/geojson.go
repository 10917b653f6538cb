package feeds

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dpup/prefab/logging"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/dpup/detour/server/internal/lib/routing"
)

type geojsonLoader struct {
	fetcher *Fetcher
}

// Load keeps the Point features of a FeatureCollection. Any other document
// yields no points.
func (l *geojsonLoader) Load(ctx context.Context, feed Feed) ([]routing.AvoidancePoint, error) {
	ctx = logging.EnsureLogger(ctx)
	if feed.URL == "" {
		return []routing.AvoidancePoint{}, nil
	}

	data, err := l.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return nil, err
	}

	var probe struct {
		Type     string          `json:"type"`
		Features json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Type != "FeatureCollection" || len(probe.Features) == 0 || probe.Features[0] != '[' {
		logging.Warnw(ctx, "Feed is not a GeoJSON FeatureCollection", "feed", feed.ID, "name", feed.Name)
		return []routing.AvoidancePoint{}, nil
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode GeoJSON: %w", err)
	}

	points := []routing.AvoidancePoint{}
	generated := 0
	for _, f := range fc.Features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}

		props := f.Properties
		if props == nil {
			props = geojson.Properties{}
		}

		id := formatID(props["id"])
		if id == "" {
			id = fmt.Sprintf("geojson-%s-%d", feed.ID, generated)
			generated++
		}

		category := stringProp(props, "type")
		if category == "" {
			category = "custom"
		}

		label := stringProp(props, "name")
		if label == "" {
			label = stringProp(props, "title")
		}
		if label == "" {
			label = fmt.Sprintf("Point %d", len(points)+1)
		}

		points = append(points, routing.AvoidancePoint{
			ID:         id,
			Lat:        pt.Lat(),
			Lon:        pt.Lon(),
			Category:   category,
			FeedID:     feed.ID,
			Label:      label,
			Properties: map[string]any(props),
		})
	}
	return points, nil
}

// stringProp returns the property as a string, or "" when absent or not a string
func stringProp(props geojson.Properties, key string) string {
	s, _ := props[key].(string)
	return s
}
