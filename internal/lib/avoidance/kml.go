package avoidance

import (
	"fmt"
	"io"

	"github.com/paulmach/orb"
	kml "github.com/twpayne/go-kml"

	"github.com/dpup/detour/server/internal/lib/routing"
)

// WriteKML writes the route line and its exclusion polygons as a KML document
func WriteKML(w io.Writer, name string, route *routing.Route, polygons []orb.Ring) error {
	children := []kml.Element{kml.Name(name)}

	if route != nil && len(route.Geometry) > 0 {
		coords := make([]kml.Coordinate, len(route.Geometry))
		for i, p := range route.Geometry {
			coords[i] = kml.Coordinate{Lon: p.Longitude, Lat: p.Latitude}
		}
		children = append(children, kml.Placemark(
			kml.Name("Route"),
			kml.LineString(kml.Coordinates(coords...)),
		))
	}

	for i, ring := range polygons {
		coords := make([]kml.Coordinate, len(ring))
		for j, pt := range ring {
			coords[j] = kml.Coordinate{Lon: pt.Lon(), Lat: pt.Lat()}
		}
		children = append(children, kml.Placemark(
			kml.Name(fmt.Sprintf("Exclusion %d", i+1)),
			kml.Polygon(kml.OuterBoundaryIs(kml.LinearRing(kml.Coordinates(coords...)))),
		))
	}

	if err := kml.KML(kml.Document(children...)).WriteIndent(w, "", "  "); err != nil {
		return fmt.Errorf("failed to write KML: %w", err)
	}
	return nil
}
