package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-polyline"
)

const (
	// EarthRadiusMeters is the mean Earth radius used by the haversine formula
	EarthRadiusMeters = 6371000

	// MetersPerDegree is the length of one degree of latitude
	MetersPerDegree = 111320
)

var (
	ErrInvalidCoordinate = errors.New("invalid coordinates: latitude must be [-90, 90], longitude must be [-180, 180]")
	ErrEmptyShape        = errors.New("encoded shape is empty")
	ErrEmptyPolyline     = errors.New("polyline has no points")
)

// Valhalla encodes shapes with six digits of precision, Google uses five.
var shapeCodec = polyline.Codec{Dim: 2, Scale: 1e6}

// NewPoint returns a validated point
func NewPoint(lat, lon float64) (Point, error) {
	p := Point{Latitude: lat, Longitude: lon}
	if !p.Valid() {
		return Point{}, ErrInvalidCoordinate
	}
	return p, nil
}

// DistanceMeters calculates great-circle distance between two coordinates using the Haversine formula
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}

	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// DistanceToSegment returns the distance in meters from P to the segment AB.
//
// The projection is computed on a flat lat/lon plane and the foot of the
// perpendicular is measured with DistanceMeters. This is an approximation
// that is accurate for short segments away from the poles and the antimeridian.
func DistanceToSegment(pLat, pLon, aLat, aLon, bLat, bLon float64) float64 {
	dx := bLon - aLon
	dy := bLat - aLat
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return DistanceMeters(pLat, pLon, aLat, aLon)
	}

	t := ((pLon-aLon)*dx + (pLat-aLat)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))

	return DistanceMeters(pLat, pLon, aLat+t*dy, aLon+t*dx)
}

// PointToPoint is the validated form of DistanceMeters
func PointToPoint(p1, p2 Point) (float64, error) {
	if !p1.Valid() || !p2.Valid() {
		return 0, ErrInvalidCoordinate
	}
	return DistanceMeters(p1.Latitude, p1.Longitude, p2.Latitude, p2.Longitude), nil
}

// PointToPolyline calculates minimum distance from point to polyline
func PointToPolyline(point Point, line []Point) (float64, error) {
	if !point.Valid() {
		return 0, ErrInvalidCoordinate
	}
	if len(line) == 0 {
		return 0, ErrEmptyPolyline
	}
	if len(line) == 1 {
		return PointToPoint(point, line[0])
	}

	minDistance := math.Inf(1)
	for i := 0; i < len(line)-1; i++ {
		a, b := line[i], line[i+1]
		d := DistanceToSegment(point.Latitude, point.Longitude, a.Latitude, a.Longitude, b.Latitude, b.Longitude)
		if d < minDistance {
			minDistance = d
		}
	}
	return minDistance, nil
}

// SquarePolygon returns a closed ring of [lon, lat] vertices forming a square
// with half-side radiusMeters around the given center. Winding is
// counter-clockwise starting from the south-west corner.
func SquarePolygon(lon, lat, radiusMeters float64) orb.Ring {
	dLat := radiusMeters / MetersPerDegree
	dLon := radiusMeters / (MetersPerDegree * math.Cos(lat*math.Pi/180))

	return orb.Ring{
		{lon - dLon, lat - dLat},
		{lon + dLon, lat - dLat},
		{lon + dLon, lat + dLat},
		{lon - dLon, lat + dLat},
		{lon - dLon, lat - dLat},
	}
}

// RouteBounds returns the bounding box of the points padded by padDegrees on every side
func RouteBounds(points []Point, padDegrees float64) orb.Bound {
	if len(points) == 0 {
		return orb.Bound{}
	}

	bound := orb.Bound{
		Min: orb.Point{points[0].Longitude, points[0].Latitude},
		Max: orb.Point{points[0].Longitude, points[0].Latitude},
	}
	for _, p := range points[1:] {
		bound = bound.Extend(orb.Point{p.Longitude, p.Latitude})
	}
	return bound.Pad(padDegrees)
}

// DecodeShape decodes a precision-6 encoded polyline into points
func DecodeShape(encoded string) ([]Point, error) {
	if encoded == "" {
		return nil, ErrEmptyShape
	}

	coords, _, err := shapeCodec.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode shape: %w", err)
	}

	points := make([]Point, len(coords))
	for i, coord := range coords {
		points[i] = Point{Latitude: coord[0], Longitude: coord[1]}
		if !points[i].Valid() {
			return nil, fmt.Errorf("vertex %d: %w", i, ErrInvalidCoordinate)
		}
	}
	return points, nil
}

// EncodeShape encodes points as a precision-6 polyline
func EncodeShape(points []Point) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Latitude, p.Longitude}
	}
	return string(shapeCodec.EncodeCoords(nil, coords))
}
