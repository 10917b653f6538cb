package avoidance

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/lib/routing"
	"github.com/dpup/detour/server/internal/observability"
)

// Outcome is the terminal state of an avoidance pass
type Outcome string

const (
	OutcomeSearching    Outcome = "searching"
	OutcomeConverged    Outcome = "converged"     // No avoidance point within the detection radius
	OutcomeStuck        Outcome = "stuck"         // Every nearby point is already excluded
	OutcomeExhausted    Outcome = "exhausted"     // The reroute did not change the path
	OutcomeFailed       Outcome = "failed"        // The routing service could not honor the exclusions
	OutcomeIterationCap Outcome = "iteration_cap" // Iteration limit reached while searching
	OutcomeCancelled    Outcome = "cancelled"
)

var (
	ErrNoInitialRoute = errors.New("avoidance requires an initial route with geometry")
	ErrInvalidOptions = errors.New("invalid avoidance options")
)

// Options tune a single avoidance pass
type Options struct {
	StartRadius   float64 // Meters. Also the fixed detection radius.
	MinRadius     float64 // Meters. Floor for the back-off retry.
	MaxIterations int     // Zero means no routing calls at all
}

// DefaultOptions returns the standard tuning: 50m squares, 10m floor, 20 iterations
func DefaultOptions() Options {
	return Options{StartRadius: 50, MinRadius: 10, MaxIterations: 20}
}

// Validate checks the options for usable values
func (o Options) Validate() error {
	if o.StartRadius <= 0 {
		return fmt.Errorf("%w: start radius must be positive, got %v", ErrInvalidOptions, o.StartRadius)
	}
	if o.MinRadius <= 0 {
		return fmt.Errorf("%w: min radius must be positive, got %v", ErrInvalidOptions, o.MinRadius)
	}
	if o.MaxIterations < 0 {
		return fmt.Errorf("%w: max iterations must not be negative, got %d", ErrInvalidOptions, o.MaxIterations)
	}
	return nil
}

// Result is the outcome of an avoidance pass. ExcludePolygons holds only the
// polygons added by the pass, in the order they were added.
type Result struct {
	PassID          string         `json:"pass_id"`
	Route           *routing.Route `json:"route"`
	ExcludePolygons []orb.Ring     `json:"exclude_polygons"`
	Outcome         Outcome        `json:"outcome"`
	Iterations      int            `json:"iterations"`
	RoutingCalls    int            `json:"routing_calls"`
	Radius          float64        `json:"radius_meters"`
	Excluded        int            `json:"excluded_points"`
}

// Engine iteratively reroutes around avoidance points
type Engine struct {
	router  Router
	metrics *observability.Collector
}

// NewEngine creates an engine that reroutes through router
func NewEngine(router Router, metrics *observability.Collector) *Engine {
	return &Engine{router: router, metrics: metrics}
}

// Avoid starts from the initial route and keeps excluding the avoidance points
// found near the current route until the route is clear, no further progress
// is possible, or the iteration limit is hit. The request describes the trip;
// its ExcludePolygons are sent ahead of the accumulated ones on every call.
//
// When ctx is cancelled the last confirmed result is returned together with
// the context error.
func (e *Engine) Avoid(ctx context.Context, initial *routing.Route, points []routing.AvoidancePoint, req routing.Request, opts Options) (*Result, error) {
	ctx = logging.EnsureLogger(ctx)
	if initial == nil || len(initial.Geometry) == 0 {
		return nil, ErrNoInitialRoute
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &pass{
		id:      uuid.NewString(),
		adapter: NewAdapter(e.router, req, e.metrics),
		points:  points,
		opts:    opts,
	}

	state := newState(initial, opts.StartRadius)
	if len(points) == 0 {
		return e.finish(ctx, p, state, OutcomeConverged), nil
	}

	logging.Debugw(ctx, "Avoidance pass started",
		"pass_id", p.id, "points", len(points), "radius", opts.StartRadius,
		"max_iterations", opts.MaxIterations)

	for p.iterations < opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, p, state, OutcomeCancelled), err
		}

		next, outcome := p.step(ctx, state)
		if outcome == OutcomeCancelled {
			return e.finish(ctx, p, next, OutcomeCancelled), ctx.Err()
		}
		state = next
		if outcome != OutcomeSearching {
			return e.finish(ctx, p, state, outcome), nil
		}
	}

	return e.finish(ctx, p, state, OutcomeIterationCap), nil
}

func (e *Engine) finish(ctx context.Context, p *pass, s State, outcome Outcome) *Result {
	e.metrics.ObservePass(string(outcome), p.iterations)

	kv := []interface{}{
		"pass_id", p.id, "outcome", outcome, "iterations", p.iterations,
		"routing_calls", p.calls, "polygons", len(s.polygons), "radius", s.radius,
	}
	switch outcome {
	case OutcomeConverged:
		logging.Infow(ctx, "Avoidance pass converged", kv...)
	case OutcomeFailed, OutcomeCancelled:
		logging.Warnw(ctx, "Avoidance pass ended early", kv...)
	default:
		logging.Warnw(ctx, "Avoidance pass stopped with points still near route", kv...)
	}

	return &Result{
		PassID:          p.id,
		Route:           s.Route(),
		ExcludePolygons: s.Polygons(),
		Outcome:         outcome,
		Iterations:      p.iterations,
		RoutingCalls:    p.calls,
		Radius:          s.Radius(),
		Excluded:        s.ExcludedCount(),
	}
}

// pass holds the fixed inputs and counters of one Avoid call
type pass struct {
	id      string
	adapter *Adapter
	points  []routing.AvoidancePoint
	opts    Options

	iterations int // Iterations that reached the routing service
	calls      int
}

// step runs a single iteration. It returns the state to carry forward and
// OutcomeSearching when the loop should continue. On failure the returned
// state is the input state.
func (p *pass) step(ctx context.Context, s State) (State, Outcome) {
	// Detection always uses the starting radius, even after back-off.
	nearby := routing.FindPointsNearRoute(s.route.Geometry, p.points, p.opts.StartRadius)
	if len(nearby) == 0 {
		return s, OutcomeConverged
	}

	fresh := make([]routing.AvoidancePoint, 0, len(nearby))
	for _, m := range nearby {
		if !s.IsExcluded(m.Point) {
			fresh = append(fresh, m.Point)
		}
	}
	if len(fresh) == 0 {
		logging.Warnw(ctx, "All nearby points already excluded",
			"pass_id", p.id, "nearby", len(nearby))
		return s, OutcomeStuck
	}

	p.iterations++
	logging.Debugw(ctx, "Avoidance iteration",
		"pass_id", p.id, "iteration", p.iterations, "nearby", len(nearby),
		"new", len(fresh), "radius", s.radius)

	attempt := s.withExclusions(fresh, BuildExclusions(fresh, s.radius))
	route := p.reroute(ctx, attempt)

	if route == nil && s.radius > p.opts.MinRadius && ctx.Err() == nil {
		smaller := math.Max(p.opts.MinRadius, s.radius/2)
		logging.Infow(ctx, "Retrying reroute with smaller exclusions",
			"pass_id", p.id, "iteration", p.iterations, "radius", smaller)

		reduced := s.withRadius(smaller)
		attempt = reduced.withExclusions(fresh, BuildExclusions(fresh, smaller))
		route = p.reroute(ctx, attempt)
	}

	if route == nil {
		if ctx.Err() != nil {
			return s, OutcomeCancelled
		}
		logging.Warnw(ctx, "Reroute failed, discarding this iteration's exclusions",
			"pass_id", p.id, "iteration", p.iterations, "discarded", len(fresh))
		return s, OutcomeFailed
	}

	next := attempt.withRoute(route)
	if next.fingerprint == s.fingerprint {
		logging.Warnw(ctx, "Reroute did not change the path",
			"pass_id", p.id, "iteration", p.iterations)
		return next, OutcomeExhausted
	}
	return next, OutcomeSearching
}

func (p *pass) reroute(ctx context.Context, s State) *routing.Route {
	p.calls++
	return p.adapter.Route(ctx, s.polygons)
}
