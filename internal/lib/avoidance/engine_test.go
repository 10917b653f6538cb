package avoidance

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/detour/server/internal/lib/routing"
)

var trip = routing.Request{
	Locations: []routing.Location{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.01}},
	Profile:   "auto",
}

// Cameras ringing the destination: every reroute lands next to another one
// until all are excluded and the route falls back next to the first.
func TestAvoid_RingAroundDestinationGetsStuck(t *testing.T) {
	points := []routing.AvoidancePoint{
		camera("1", 0.01, 10),
		camera("2", 0.02, 10),
		camera("3", 0.03, 10),
		camera("4", 0.04, 10),
	}
	router := &scriptedRouter{respond: func(_ context.Context, req routing.Request) (*routing.Route, error) {
		n := len(req.ExcludePolygons)
		if n < 4 {
			return lineAt(0.01 * float64(n+1)), nil
		}
		return lineAt(0.01), nil
	}}

	engine := NewEngine(router, nil)
	result, err := engine.Avoid(testContext(t), lineAt(0.01), points, trip, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, OutcomeStuck, result.Outcome)
	assert.Len(t, result.ExcludePolygons, 4)
	assert.Equal(t, 4, result.Excluded)
	assert.Equal(t, 4, result.RoutingCalls)
	assert.Equal(t, 4, result.Iterations)
	assert.Equal(t, lineAt(0.01).Fingerprint(), result.Route.Fingerprint())
	assert.NotEmpty(t, result.PassID)
}

func TestAvoid_SingleCameraConverges(t *testing.T) {
	points := []routing.AvoidancePoint{camera("1", 0, 5)}
	router := &scriptedRouter{respond: func(_ context.Context, req routing.Request) (*routing.Route, error) {
		if len(req.ExcludePolygons) == 1 {
			return lineAt(0.05), nil
		}
		return lineAt(0), nil
	}}

	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0), points, trip, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, result.Outcome)
	assert.Equal(t, 1, result.Iterations)
	require.Len(t, result.ExcludePolygons, 1)
	assert.InDelta(t, 50, halfSide(result.ExcludePolygons[0]), 1e-6)
	assert.Equal(t, lineAt(0.05).Fingerprint(), result.Route.Fingerprint())
}

// chokepoint fails whenever an exclusion is at least minFailing meters wide
func chokepoint(minFailing float64, clean *routing.Route) *scriptedRouter {
	return &scriptedRouter{respond: func(_ context.Context, req routing.Request) (*routing.Route, error) {
		for _, ring := range req.ExcludePolygons {
			if halfSide(ring) >= minFailing-1e-9 {
				return nil, errNoRoute
			}
		}
		return clean, nil
	}}
}

func TestAvoid_ChokepointRollsBack(t *testing.T) {
	points := []routing.AvoidancePoint{camera("1", 0, 5)}
	router := chokepoint(20, lineAt(0.05))

	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0), points, trip, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Empty(t, result.ExcludePolygons, "failed iteration must not leave polygons behind")
	assert.Equal(t, 0, result.Excluded)
	assert.Equal(t, lineAt(0).Fingerprint(), result.Route.Fingerprint())

	// One call at 50m, one retry at 25m
	require.Equal(t, 2, router.calls())
	assert.InDelta(t, 50, halfSide(router.requests[0].ExcludePolygons[0]), 1e-6)
	assert.InDelta(t, 25, halfSide(router.requests[1].ExcludePolygons[0]), 1e-6)
}

func TestAvoid_ChokepointBacksOffToFloor(t *testing.T) {
	points := []routing.AvoidancePoint{camera("1", 0, 5)}
	router := chokepoint(12, lineAt(0.05))

	opts := Options{StartRadius: 15, MinRadius: 10, MaxIterations: 20}
	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0), points, trip, opts)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, result.Outcome)
	require.Len(t, result.ExcludePolygons, 1)
	assert.InDelta(t, 10, halfSide(result.ExcludePolygons[0]), 1e-6, "retry radius is floored, not halved to 7.5")
	assert.Equal(t, 10.0, result.Radius)
	assert.Equal(t, 2, result.RoutingCalls)
}

func TestAvoid_NoRetryAtFloor(t *testing.T) {
	points := []routing.AvoidancePoint{camera("1", 0, 5)}
	router := chokepoint(0, lineAt(0.05))

	opts := Options{StartRadius: 10, MinRadius: 10, MaxIterations: 20}
	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0), points, trip, opts)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, router.calls())
}

func TestAvoid_IdenticalReroutesAreExhausted(t *testing.T) {
	points := []routing.AvoidancePoint{
		camera("1", 0.01, 10),
		camera("2", 0.02, 10),
	}
	router := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		return lineAt(0.02), nil
	}}

	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0.01), points, trip, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, OutcomeExhausted, result.Outcome)
	assert.Equal(t, 2, result.Iterations)
	assert.Len(t, result.ExcludePolygons, 2)
	assert.Equal(t, lineAt(0.02).Fingerprint(), result.Route.Fingerprint())
}

func TestAvoid_ZeroIterationsMakesNoCalls(t *testing.T) {
	points := []routing.AvoidancePoint{camera("1", 0, 5)}
	router := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		t.Fatal("routing service must not be called")
		return nil, nil
	}}

	opts := DefaultOptions()
	opts.MaxIterations = 0
	initial := lineAt(0)
	result, err := NewEngine(router, nil).Avoid(testContext(t), initial, points, trip, opts)
	require.NoError(t, err)

	assert.Equal(t, OutcomeIterationCap, result.Outcome)
	assert.Same(t, initial, result.Route)
	assert.Empty(t, result.ExcludePolygons)
	assert.Equal(t, 0, router.calls())
}

func TestAvoid_IterationCap(t *testing.T) {
	var points []routing.AvoidancePoint
	for i := 1; i <= 10; i++ {
		points = append(points, camera(string(rune('a'+i)), 0.01*float64(i), 10))
	}
	router := &scriptedRouter{respond: func(_ context.Context, req routing.Request) (*routing.Route, error) {
		return lineAt(0.01 * float64(len(req.ExcludePolygons)+1)), nil
	}}

	opts := DefaultOptions()
	opts.MaxIterations = 3
	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0.01), points, trip, opts)
	require.NoError(t, err)

	assert.Equal(t, OutcomeIterationCap, result.Outcome)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 3, router.calls())
	assert.Len(t, result.ExcludePolygons, 3)
}

func TestAvoid_ClearRouteIsIdempotent(t *testing.T) {
	points := []routing.AvoidancePoint{camera("far", 0.5, 0)}
	router := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		return lineAt(0.3), nil
	}}

	initial := lineAt(0)
	result, err := NewEngine(router, nil).Avoid(testContext(t), initial, points, trip, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, result.Outcome)
	assert.Same(t, initial, result.Route)
	assert.Empty(t, result.ExcludePolygons)
	assert.Equal(t, 0, router.calls())
}

// Feeding a converged route back in must not trigger any further rerouting.
func TestAvoid_RerunOnConvergedRouteIsIdempotent(t *testing.T) {
	points := []routing.AvoidancePoint{camera("1", 0, 5), camera("2", 0.01, 5)}
	router := &scriptedRouter{respond: func(_ context.Context, req routing.Request) (*routing.Route, error) {
		switch len(req.ExcludePolygons) {
		case 1:
			return lineAt(0.01), nil
		case 2:
			return lineAt(0.05), nil
		}
		return lineAt(0), nil
	}}
	engine := NewEngine(router, nil)

	first, err := engine.Avoid(testContext(t), lineAt(0), points, trip, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, OutcomeConverged, first.Outcome)
	require.Equal(t, 2, first.RoutingCalls)
	require.Len(t, first.ExcludePolygons, 2)

	second, err := engine.Avoid(testContext(t), first.Route, points, trip, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, second.Outcome)
	assert.Equal(t, 0, second.Iterations)
	assert.Equal(t, 0, second.RoutingCalls)
	assert.Empty(t, second.ExcludePolygons)
	assert.Same(t, first.Route, second.Route)
	assert.Equal(t, 2, router.calls(), "the second run made no routing calls")
}

func TestAvoid_WithoutLoggerOnContext(t *testing.T) {
	// The first reroute fails so the retry and failure paths log too.
	points := []routing.AvoidancePoint{camera("1", 0, 5)}
	attempts := 0
	router := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		attempts++
		if attempts == 1 {
			return nil, errNoRoute
		}
		return lineAt(0.05), nil
	}}

	var result *Result
	var err error
	assert.NotPanics(t, func() {
		result, err = NewEngine(router, nil).Avoid(context.Background(), lineAt(0), points, trip, DefaultOptions())
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverged, result.Outcome)
	assert.Equal(t, 2, result.RoutingCalls)
}

func TestAvoid_NoPointsConvergesImmediately(t *testing.T) {
	router := &scriptedRouter{}
	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0), nil, trip, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, result.Outcome)
	assert.Equal(t, 0, router.calls())
}

func TestAvoid_RequiresInitialRoute(t *testing.T) {
	_, err := NewEngine(&scriptedRouter{}, nil).Avoid(testContext(t), nil, nil, trip, DefaultOptions())
	assert.ErrorIs(t, err, ErrNoInitialRoute)

	_, err = NewEngine(&scriptedRouter{}, nil).Avoid(testContext(t), &routing.Route{}, nil, trip, DefaultOptions())
	assert.ErrorIs(t, err, ErrNoInitialRoute)
}

func TestAvoid_RejectsInvalidOptions(t *testing.T) {
	_, err := NewEngine(&scriptedRouter{}, nil).Avoid(testContext(t), lineAt(0), nil, trip, Options{StartRadius: 0, MinRadius: 10})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

// Each request carries the previous request's polygons as a prefix, and the
// caller's own polygons always come first.
func TestAvoid_ExclusionsOnlyGrow(t *testing.T) {
	existing := orb.Ring{{1, 1}, {1.1, 1}, {1.1, 1.1}, {1, 1.1}, {1, 1}}
	req := trip
	req.ExcludePolygons = []orb.Ring{existing}

	points := []routing.AvoidancePoint{
		camera("1", 0.01, 10),
		camera("2", 0.02, 10),
		camera("3", 0.03, 10),
	}
	router := &scriptedRouter{respond: func(_ context.Context, req routing.Request) (*routing.Route, error) {
		accumulated := len(req.ExcludePolygons) - 1
		return lineAt(0.01 * float64(accumulated+1)), nil
	}}

	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0.01), points, req, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, OutcomeConverged, result.Outcome)

	require.Equal(t, 3, router.calls())
	for i, r := range router.requests {
		require.Len(t, r.ExcludePolygons, i+2)
		if diff := cmp.Diff(existing, r.ExcludePolygons[0]); diff != "" {
			t.Errorf("request %d: caller polygon not first (-want +got):\n%s", i, diff)
		}
		if i > 0 {
			prev := router.requests[i-1].ExcludePolygons
			if diff := cmp.Diff(prev, r.ExcludePolygons[:len(prev)]); diff != "" {
				t.Errorf("request %d dropped earlier polygons (-want +got):\n%s", i, diff)
			}
		}
	}

	// The result reports only the accumulated polygons
	if diff := cmp.Diff(router.requests[2].ExcludePolygons[1:], result.ExcludePolygons); diff != "" {
		t.Errorf("accumulated polygons mismatch (-want +got):\n%s", diff)
	}
}

// After a back-off the working radius stays reduced, but detection still
// uses the starting radius.
func TestAvoid_DetectionRadiusStaysFixed(t *testing.T) {
	points := []routing.AvoidancePoint{
		camera("1", 0, 5),
		camera("2", 0.02, 15), // Outside the reduced radius, inside the starting one
	}
	router := &scriptedRouter{respond: func(_ context.Context, req routing.Request) (*routing.Route, error) {
		for _, ring := range req.ExcludePolygons {
			if halfSide(ring) >= 20-1e-9 {
				return nil, errNoRoute
			}
		}
		if len(req.ExcludePolygons) == 1 {
			return lineAt(0.02), nil
		}
		return lineAt(0.05), nil
	}}

	opts := Options{StartRadius: 20, MinRadius: 10, MaxIterations: 20}
	result, err := NewEngine(router, nil).Avoid(testContext(t), lineAt(0), points, trip, opts)
	require.NoError(t, err)

	assert.Equal(t, OutcomeConverged, result.Outcome)
	require.Len(t, result.ExcludePolygons, 2)
	assert.InDelta(t, 10, halfSide(result.ExcludePolygons[0]), 1e-6)
	assert.InDelta(t, 10, halfSide(result.ExcludePolygons[1]), 1e-6)
	assert.Equal(t, 3, result.RoutingCalls)
}

func TestAvoid_CancelledBeforeFirstIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	cancel()

	router := &scriptedRouter{}
	initial := lineAt(0)
	result, err := NewEngine(router, nil).Avoid(ctx, initial, []routing.AvoidancePoint{camera("1", 0, 5)}, trip, DefaultOptions())

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Same(t, initial, result.Route)
	assert.Equal(t, 0, router.calls())
}

func TestAvoid_CancelledDuringReroute(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()

	points := []routing.AvoidancePoint{camera("1", 0.01, 10), camera("2", 0.02, 10)}
	router := &scriptedRouter{respond: func(ctx context.Context, req routing.Request) (*routing.Route, error) {
		if len(req.ExcludePolygons) == 1 {
			return lineAt(0.02), nil
		}
		cancel()
		return nil, ctx.Err()
	}}

	result, err := NewEngine(router, nil).Avoid(ctx, lineAt(0.01), points, trip, DefaultOptions())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Len(t, result.ExcludePolygons, 1, "last confirmed state is kept")
	assert.Equal(t, lineAt(0.02).Fingerprint(), result.Route.Fingerprint())
	assert.Equal(t, 2, router.calls(), "no retry after cancellation")
}
