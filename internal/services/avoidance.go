package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"

	"github.com/dpup/prefab/logging"
	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/config"
	"github.com/dpup/detour/server/internal/lib/avoidance"
	"github.com/dpup/detour/server/internal/lib/geo"
	"github.com/dpup/detour/server/internal/lib/routing"
	"github.com/dpup/detour/server/internal/observability"
)

const maxRequestBytes = 1 << 20

var (
	ErrBadRequest   = errors.New("bad request")
	ErrInitialRoute = errors.New("initial route failed")
)

// RouteRequest is the body of POST /api/v1/route
type RouteRequest struct {
	Locations       []routing.Location `json:"locations"`
	Profile         string             `json:"profile,omitempty"`
	CostingOptions  map[string]any     `json:"costing_options,omitempty"` // Flat, or keyed by profile as Valhalla expects
	Language        string             `json:"language,omitempty"`
	Units           string             `json:"units,omitempty"`
	Alternates      int                `json:"alternates,omitempty"`
	DateTime        *routing.DateTime  `json:"date_time,omitempty"`
	ExcludePolygons []orb.Ring         `json:"exclude_polygons,omitempty"`
	RadiusMeters    float64            `json:"radius_meters,omitempty"`  // Overrides every feed's radius
	MaxIterations   *int               `json:"max_iterations,omitempty"` // Per pass
	Feeds           []string           `json:"feeds,omitempty"`          // Subset of enabled feeds; empty means all
}

// PassSummary describes one avoidance pass over a group of feeds sharing a radius
type PassSummary struct {
	PassID       string            `json:"pass_id"`
	Feeds        []string          `json:"feeds"`
	RadiusMeters float64           `json:"radius_meters"`
	Points       int               `json:"points"`
	Outcome      avoidance.Outcome `json:"outcome"`
	Iterations   int               `json:"iterations"`
	RoutingCalls int               `json:"routing_calls"`
	Excluded     int               `json:"excluded_points"`
	Polygons     int               `json:"polygons"`
}

// RouteResponse is the body returned by POST /api/v1/route. ExcludePolygons
// holds the caller's polygons followed by every polygon the passes added.
type RouteResponse struct {
	Route           *routing.Route    `json:"route"`
	ExcludePolygons []orb.Ring        `json:"exclude_polygons"`
	Outcome         avoidance.Outcome `json:"outcome"`
	Iterations      int               `json:"iterations"`
	RoutingCalls    int               `json:"routing_calls"`
	Passes          []PassSummary     `json:"passes"`
	Unavoidable     map[string]int    `json:"unavoidable"`
	Feeds           []FeedStatus      `json:"feeds"`
}

// AvoidanceService computes routes that avoid the points of the configured feeds
type AvoidanceService struct {
	router avoidance.Router
	engine *avoidance.Engine
	feeds  *FeedService
	config *config.Config
}

// NewAvoidanceService creates a new AvoidanceService
func NewAvoidanceService(router avoidance.Router, feedService *FeedService, cfg *config.Config, metrics *observability.Collector) *AvoidanceService {
	return &AvoidanceService{
		router: router,
		engine: avoidance.NewEngine(router, metrics),
		feeds:  feedService,
		config: cfg,
	}
}

// feedGroup is a set of feeds avoided together at one radius
type feedGroup struct {
	radius float64
	feeds  []string
	points []routing.AvoidancePoint
}

// Route computes the initial route, then runs one avoidance pass per radius
// group in ascending radius order. Each pass starts from the previous pass's
// route and treats every polygon added so far as existing.
func (s *AvoidanceService) Route(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	ctx = logging.EnsureLogger(ctx)
	base, err := s.buildRequest(req)
	if err != nil {
		return nil, err
	}
	selected, err := s.selectFeeds(req.Feeds)
	if err != nil {
		return nil, err
	}

	initial, err := s.router.Route(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialRoute, err)
	}
	if initial == nil || len(initial.Geometry) == 0 {
		return nil, fmt.Errorf("%w: routing service returned no geometry", ErrInitialRoute)
	}

	points, statuses, err := s.feeds.LoadEnabled(ctx, selected)
	if err != nil {
		return nil, err
	}

	groups := s.groupByRadius(selected, points, req.RadiusMeters)
	resp := &RouteResponse{
		Route:       initial,
		Outcome:     avoidance.OutcomeConverged,
		Passes:      []PassSummary{},
		Unavoidable: make(map[string]int, len(selected)),
		Feeds:       statuses,
	}

	var added []orb.Ring
	for _, g := range groups {
		if len(g.points) == 0 {
			continue
		}

		passReq := base
		passReq.ExcludePolygons = concatRings(base.ExcludePolygons, added)

		result, err := s.engine.Avoid(ctx, resp.Route, g.points, passReq, s.passOptions(req, g.radius))
		if err != nil {
			return nil, err
		}

		added = append(added, result.ExcludePolygons...)
		resp.Route = result.Route
		resp.Iterations += result.Iterations
		resp.RoutingCalls += result.RoutingCalls
		if resp.Outcome == avoidance.OutcomeConverged {
			resp.Outcome = result.Outcome
		}
		resp.Passes = append(resp.Passes, PassSummary{
			PassID:       result.PassID,
			Feeds:        g.feeds,
			RadiusMeters: g.radius,
			Points:       len(g.points),
			Outcome:      result.Outcome,
			Iterations:   result.Iterations,
			RoutingCalls: result.RoutingCalls,
			Excluded:     result.Excluded,
			Polygons:     len(result.ExcludePolygons),
		})
	}

	for _, f := range selected {
		resp.Unavoidable[f.ID] = 0
	}
	for _, g := range groups {
		for feedID, n := range routing.CountByFeed(routing.FindPointsNearRoute(resp.Route.Geometry, g.points, g.radius)) {
			resp.Unavoidable[feedID] += n
		}
	}
	resp.ExcludePolygons = concatRings(base.ExcludePolygons, added)

	logging.Infow(ctx, "Route computed",
		"profile", base.Profile, "feeds", len(selected), "points", len(points),
		"passes", len(resp.Passes), "outcome", resp.Outcome, "routing_calls", resp.RoutingCalls)
	return resp, nil
}

func (s *AvoidanceService) buildRequest(req RouteRequest) (routing.Request, error) {
	if len(req.Locations) < 2 {
		return routing.Request{}, fmt.Errorf("%w: at least two locations are required", ErrBadRequest)
	}
	for i, loc := range req.Locations {
		if !(geo.Point{Latitude: loc.Lat, Longitude: loc.Lon}).Valid() {
			return routing.Request{}, fmt.Errorf("%w: location %d has invalid coordinates", ErrBadRequest, i)
		}
	}
	if req.RadiusMeters < 0 || math.IsNaN(req.RadiusMeters) {
		return routing.Request{}, fmt.Errorf("%w: radius_meters must not be negative", ErrBadRequest)
	}
	if req.MaxIterations != nil && *req.MaxIterations < 0 {
		return routing.Request{}, fmt.Errorf("%w: max_iterations must not be negative", ErrBadRequest)
	}

	language := req.Language
	if language == "" {
		language = s.config.Valhalla.Language
	}
	units := req.Units
	if units == "" {
		units = s.config.Valhalla.Units
	}

	return routing.Request{
		Locations:       req.Locations,
		Profile:         costingProfile(req.Profile, s.config.Avoidance.DefaultProfile),
		CostingOptions:  req.CostingOptions,
		Language:        language,
		Units:           units,
		Alternates:      req.Alternates,
		DateTime:        req.DateTime,
		ExcludePolygons: req.ExcludePolygons,
	}, nil
}

// costingProfile maps client profile names to Valhalla costing models
func costingProfile(profile, fallback string) string {
	if profile == "" {
		profile = fallback
	}
	if profile == "car" {
		return "auto"
	}
	return profile
}

func (s *AvoidanceService) selectFeeds(ids []string) ([]config.FeedConfig, error) {
	enabled := s.config.EnabledFeeds()
	if len(ids) == 0 {
		return enabled, nil
	}

	byID := make(map[string]config.FeedConfig, len(enabled))
	for _, f := range enabled {
		byID[f.ID] = f
	}
	selected := make([]config.FeedConfig, 0, len(ids))
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: feed %q is not configured or not enabled", ErrBadRequest, id)
		}
		selected = append(selected, f)
	}
	return selected, nil
}

// groupByRadius partitions points by the radius of their feed. Groups are
// ordered by ascending radius; feeds keep their configured order within a group.
func (s *AvoidanceService) groupByRadius(selected []config.FeedConfig, points []routing.AvoidancePoint, override float64) []*feedGroup {
	radiusOf := make(map[string]float64, len(selected))
	var groups []*feedGroup
	byRadius := make(map[float64]*feedGroup)

	for _, f := range selected {
		r := override
		if r == 0 {
			r = f.RadiusMeters
		}
		if r == 0 {
			r = s.config.Avoidance.StartRadiusMeters
		}
		radiusOf[f.ID] = r

		g, ok := byRadius[r]
		if !ok {
			g = &feedGroup{radius: r}
			byRadius[r] = g
			groups = append(groups, g)
		}
		g.feeds = append(g.feeds, f.ID)
	}

	for _, p := range points {
		if g, ok := byRadius[radiusOf[p.FeedID]]; ok {
			g.points = append(g.points, p)
		}
	}

	sort.SliceStable(groups, func(i, j int) bool { return groups[i].radius < groups[j].radius })
	return groups
}

func (s *AvoidanceService) passOptions(req RouteRequest, radius float64) avoidance.Options {
	opts := s.config.AvoidanceOptions()
	opts.StartRadius = radius
	opts.MinRadius = math.Min(opts.MinRadius, radius)
	if req.MaxIterations != nil {
		opts.MaxIterations = *req.MaxIterations
	}
	return opts
}

func concatRings(a, b []orb.Ring) []orb.Ring {
	out := make([]orb.Ring, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// HandleRoute serves POST /api/v1/route
func (s *AvoidanceService) HandleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := logging.EnsureLogger(r.Context())
	var req RouteRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	resp, err := s.Route(ctx, req)
	if err != nil {
		status := statusForError(err)
		if status >= 500 {
			logging.Errorw(ctx, "Route request failed", "error", err, "status", status)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleClearFeeds serves POST /api/v1/feeds/clear. Each feed query parameter
// names a feed to invalidate; without any, every feed is invalidated.
func (s *AvoidanceService) HandleClearFeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := logging.EnsureLogger(r.Context())
	ids := r.URL.Query()["feed"]
	removed := s.feeds.Clear(ctx, ids...)
	writeJSON(ctx, w, http.StatusOK, map[string]any{"cleared": removed})
}

// HandleListFeeds serves GET /api/v1/feeds with the cache state of every
// configured feed and a summary of the feed cache
func (s *AvoidanceService) HandleListFeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(logging.EnsureLogger(r.Context()), w, http.StatusOK, map[string]any{
		"feeds": s.feeds.Statuses(s.config.Feeds),
		"cache": s.feeds.CacheStats(),
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrInitialRoute):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorw(ctx, "Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
