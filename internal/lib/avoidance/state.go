package avoidance

import (
	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/lib/routing"
)

// State is a snapshot of the avoidance loop between iterations. Transitions
// return new values; a State is never modified after construction, so
// rolling back an iteration means keeping the previous State.
type State struct {
	excluded    map[string]struct{}
	polygons    []orb.Ring
	radius      float64
	fingerprint string
	route       *routing.Route
	iteration   int
}

func newState(route *routing.Route, radius float64) State {
	return State{
		excluded: map[string]struct{}{},
		polygons: []orb.Ring{},
		radius:   radius,
		route:    route,
	}
}

// IsExcluded reports whether the point already has an exclusion polygon
func (s State) IsExcluded(p routing.AvoidancePoint) bool {
	_, ok := s.excluded[p.Key()]
	return ok
}

// ExcludedCount is the number of points with an exclusion polygon
func (s State) ExcludedCount() int { return len(s.excluded) }

// Polygons returns a copy of the accumulated exclusion polygons
func (s State) Polygons() []orb.Ring {
	out := make([]orb.Ring, len(s.polygons))
	copy(out, s.polygons)
	return out
}

// Radius is the working radius used for new polygons
func (s State) Radius() float64 { return s.radius }

// Route is the best confirmed route
func (s State) Route() *routing.Route { return s.route }

// Fingerprint of the route adopted by the previous iteration
func (s State) Fingerprint() string { return s.fingerprint }

// Iteration counts adopted reroutes
func (s State) Iteration() int { return s.iteration }

// withExclusions adds points to the excluded set and appends their polygons
func (s State) withExclusions(points []routing.AvoidancePoint, polygons []orb.Ring) State {
	next := s
	next.excluded = make(map[string]struct{}, len(s.excluded)+len(points))
	for k := range s.excluded {
		next.excluded[k] = struct{}{}
	}
	for _, p := range points {
		next.excluded[p.Key()] = struct{}{}
	}

	next.polygons = make([]orb.Ring, 0, len(s.polygons)+len(polygons))
	next.polygons = append(next.polygons, s.polygons...)
	next.polygons = append(next.polygons, polygons...)
	return next
}

// withRoute adopts a reroute and advances the iteration
func (s State) withRoute(route *routing.Route) State {
	next := s
	next.route = route
	next.fingerprint = route.Fingerprint()
	next.iteration++
	return next
}

func (s State) withRadius(radius float64) State {
	next := s
	next.radius = radius
	return next
}
