package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/dpup/detour/server/internal/lib/routing"
)

// Surveillance device categories
const (
	CategoryALPR            = "alpr"
	CategorySpeedCamera     = "speed_camera"
	CategoryRedLightCamera  = "red_light_camera"
	CategoryTrafficCamera   = "traffic_camera"
	CategoryCCTV            = "cctv"
	CategoryGunshotDetector = "gunshot_detector"
	CategoryOther           = "other"
)

// DefaultSurveillancePath is used when a surveillance feed has no URL
const DefaultSurveillancePath = "data/surveillance-nodes.json"

// SurveillanceNode is one entry of the surveillance snapshot file
type SurveillanceNode struct {
	ID   any     `json:"id"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Type string  `json:"type"`
}

type surveillanceLoader struct {
	fetcher *Fetcher
}

func (l *surveillanceLoader) Load(ctx context.Context, feed Feed) ([]routing.AvoidancePoint, error) {
	source := feed.URL
	if source == "" {
		source = DefaultSurveillancePath
	}

	data, err := l.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	var nodes []SurveillanceNode
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&nodes); err != nil {
		return nil, fmt.Errorf("failed to decode surveillance nodes: %w", err)
	}

	return nodesToPoints(nodes, feed.ID), nil
}

func nodesToPoints(nodes []SurveillanceNode, feedID string) []routing.AvoidancePoint {
	points := make([]routing.AvoidancePoint, 0, len(nodes))
	for _, n := range nodes {
		id := formatID(n.ID)
		category := n.Type
		if category == "" {
			category = CategoryOther
		}
		points = append(points, routing.AvoidancePoint{
			ID:       id,
			Lat:      n.Lat,
			Lon:      n.Lon,
			Category: category,
			FeedID:   feedID,
			Label:    category,
			Properties: map[string]any{
				"osm_id": id,
				"type":   category,
			},
		})
	}
	return points
}
