package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/detour/server/internal/cache"
	"github.com/dpup/detour/server/internal/clients/feeds"
	"github.com/dpup/detour/server/internal/config"
	"github.com/dpup/detour/server/internal/lib/geo"
	"github.com/dpup/detour/server/internal/lib/routing"
)

const metersPerDegreeLat = 111194.93

func testContext(t *testing.T) context.Context {
	t.Helper()
	return logging.EnsureLogger(t.Context())
}

// fakeLoader serves canned points per feed id and counts loads
type fakeLoader struct {
	mu     sync.Mutex
	points map[string][]routing.AvoidancePoint
	errs   map[string]error
	calls  map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		points: map[string][]routing.AvoidancePoint{},
		errs:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (l *fakeLoader) Load(_ context.Context, feed feeds.Feed) ([]routing.AvoidancePoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[feed.ID]++
	if err := l.errs[feed.ID]; err != nil {
		return nil, err
	}
	return l.points[feed.ID], nil
}

func (l *fakeLoader) set(feedID string, points []routing.AvoidancePoint, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points[feedID] = points
	l.errs[feedID] = err
}

func (l *fakeLoader) callCount(feedID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[feedID]
}

// fakeRouter answers each request with a function of the request and records it
type fakeRouter struct {
	mu       sync.Mutex
	respond  func(req routing.Request) (*routing.Route, error)
	requests []routing.Request
}

func (r *fakeRouter) Route(_ context.Context, req routing.Request) (*routing.Route, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.respond(req)
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

// pointNorth places a point of the feed the given number of meters north of the equator
func pointNorth(feedID, id string, meters float64) routing.AvoidancePoint {
	return routing.AvoidancePoint{
		ID:       id,
		Lat:      meters / metersPerDegreeLat,
		Lon:      0.005,
		Category: "alpr",
		FeedID:   feedID,
	}
}

func feedConfig(id, kind string, radius float64) config.FeedConfig {
	return config.FeedConfig{ID: id, Name: id, Kind: kind, Enabled: true, RadiusMeters: radius}
}

func newTestFeedService(loader FeedLoader) (*FeedService, *cache.FeedStore) {
	store := cache.NewFeedStore(cache.NewCache())
	return NewFeedService(loader, store, time.Hour, nil), store
}
