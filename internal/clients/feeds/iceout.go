package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/dpup/detour/server/internal/lib/routing"
)

const (
	// CategoryIceActivity is assigned to every iceout report
	CategoryIceActivity = "ice_activity"

	// DefaultIceoutURL is used when an iceout feed has no URL
	DefaultIceoutURL = "http://localhost:8844/api/reports"
)

type iceoutReport struct {
	ID       any     `json:"id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Address  string  `json:"address,omitempty"`
	Occurred string  `json:"occurred,omitempty"`
	Activity string  `json:"activity,omitempty"`
}

type iceoutLoader struct {
	fetcher *Fetcher
}

func (l *iceoutLoader) Load(ctx context.Context, feed Feed) ([]routing.AvoidancePoint, error) {
	source := feed.URL
	if source == "" {
		source = DefaultIceoutURL
	}

	data, err := l.fetcher.Fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	var reports []iceoutReport
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&reports); err != nil {
		return nil, fmt.Errorf("failed to decode iceout reports: %w", err)
	}

	points := make([]routing.AvoidancePoint, 0, len(reports))
	for _, r := range reports {
		id := formatID(r.ID)
		label := r.Address
		if label == "" {
			label = "ICE Report #" + id
		}
		points = append(points, routing.AvoidancePoint{
			ID:       id,
			Lat:      r.Lat,
			Lon:      r.Lon,
			Category: CategoryIceActivity,
			FeedID:   feed.ID,
			Label:    label,
			Properties: map[string]any{
				"address":  r.Address,
				"occurred": r.Occurred,
				"activity": r.Activity,
			},
		})
	}
	return points, nil
}
