package avoidance

import (
	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/lib/geo"
	"github.com/dpup/detour/server/internal/lib/routing"
)

// BuildExclusions returns one square exclusion ring per point, in point order
func BuildExclusions(points []routing.AvoidancePoint, radiusMeters float64) []orb.Ring {
	rings := make([]orb.Ring, len(points))
	for i, p := range points {
		rings[i] = geo.SquarePolygon(p.Lon, p.Lat, radiusMeters)
	}
	return rings
}
