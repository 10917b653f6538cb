package routing

import (
	"sort"

	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/lib/geo"
)

// boundsBufferFactor widens the route bounding box so that points just
// outside it, but within radius of an edge segment, survive the prefilter.
const boundsBufferFactor = 1.5

// FindPointsNearRoute returns the points within radiusMeters of any segment of
// the route geometry, nearest first. Points with equal distance keep their
// input order. Geometry with fewer than two vertices matches nothing.
func FindPointsNearRoute(geometry []geo.Point, points []AvoidancePoint, radiusMeters float64) []Match {
	if len(geometry) < 2 || len(points) == 0 {
		return []Match{}
	}

	bound := geo.RouteBounds(geometry, boundsBufferFactor*radiusMeters/geo.MetersPerDegree)

	matches := []Match{}
	for _, point := range points {
		if !bound.Contains(orb.Point{point.Lon, point.Lat}) {
			continue
		}

		distance := minSegmentDistance(geometry, point.Lat, point.Lon)
		if distance <= radiusMeters {
			matches = append(matches, Match{Point: point, DistanceMeters: distance})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].DistanceMeters < matches[j].DistanceMeters
	})

	return matches
}

func minSegmentDistance(geometry []geo.Point, lat, lon float64) float64 {
	best := geo.DistanceToSegment(lat, lon,
		geometry[0].Latitude, geometry[0].Longitude,
		geometry[1].Latitude, geometry[1].Longitude)

	for i := 1; i < len(geometry)-1; i++ {
		a, b := geometry[i], geometry[i+1]
		d := geo.DistanceToSegment(lat, lon, a.Latitude, a.Longitude, b.Latitude, b.Longitude)
		if d < best {
			best = d
		}
	}
	return best
}

// Points returns the matched points in match order
func Points(matches []Match) []AvoidancePoint {
	points := make([]AvoidancePoint, len(matches))
	for i, m := range matches {
		points[i] = m.Point
	}
	return points
}

// CountByFeed tallies matches per feed id
func CountByFeed(matches []Match) map[string]int {
	counts := make(map[string]int)
	for _, m := range matches {
		counts[m.Point.FeedID]++
	}
	return counts
}

// FilterCategories keeps points whose category is in allow. An empty allow
// list keeps everything.
func FilterCategories(points []AvoidancePoint, allow []string) []AvoidancePoint {
	if len(allow) == 0 {
		return points
	}

	allowed := make(map[string]bool, len(allow))
	for _, c := range allow {
		allowed[c] = true
	}

	filtered := make([]AvoidancePoint, 0, len(points))
	for _, p := range points {
		if allowed[p.Category] {
			filtered = append(filtered, p)
		}
	}
	return filtered
}
