package avoidance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dpup/prefab/logging"
	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/lib/geo"
	"github.com/dpup/detour/server/internal/lib/routing"
)

const metersPerDegreeLat = 111194.93

var errNoRoute = errors.New("no path could be found for input")

func testContext(t *testing.T) context.Context {
	t.Helper()
	return logging.EnsureLogger(t.Context())
}

// lineAt builds a 1.1km east-west route along the given latitude
func lineAt(lat float64) *routing.Route {
	geometry := []geo.Point{
		{Latitude: lat, Longitude: 0},
		{Latitude: lat, Longitude: 0.005},
		{Latitude: lat, Longitude: 0.01},
	}
	return &routing.Route{
		Legs:     []routing.Leg{{Shape: geo.EncodeShape(geometry)}},
		Geometry: geometry,
	}
}

// camera places a point the given number of meters north of the line at lat
func camera(id string, lat, meters float64) routing.AvoidancePoint {
	return routing.AvoidancePoint{
		ID:       id,
		Lat:      lat + meters/metersPerDegreeLat,
		Lon:      0.005,
		Category: "alpr",
		FeedID:   "surveillance",
	}
}

// halfSide recovers the radius a square exclusion ring was built with
func halfSide(ring orb.Ring) float64 {
	return (ring[2][1] - ring[0][1]) / 2 * geo.MetersPerDegree
}

// scriptedRouter answers each request with a function of the request and
// records every request it sees
type scriptedRouter struct {
	mu       sync.Mutex
	respond  func(ctx context.Context, req routing.Request) (*routing.Route, error)
	requests []routing.Request
}

func (r *scriptedRouter) Route(ctx context.Context, req routing.Request) (*routing.Route, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.respond(ctx, req)
}

func (r *scriptedRouter) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
