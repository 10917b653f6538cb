package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/dpup/detour/server/internal/lib/geo"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "point-distance":
		handlePointDistance()
	case "segment-distance":
		handleSegmentDistance()
	case "square-polygon":
		handleSquarePolygon()
	case "decode-shape":
		handleDecodeShape()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handlePointDistance() {
	fs := flag.NewFlagSet("point-distance", flag.ExitOnError)
	lat1 := fs.Float64("lat1", 0, "Latitude of first point")
	lon1 := fs.Float64("lon1", 0, "Longitude of first point")
	lat2 := fs.Float64("lat2", 0, "Latitude of second point")
	lon2 := fs.Float64("lon2", 0, "Longitude of second point")

	fs.Parse(os.Args[2:])

	if *lat1 == 0 && *lon1 == 0 && *lat2 == 0 && *lon2 == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils point-distance --lat1 37.7749 --lon1 -122.4194 --lat2 37.8044 --lon2 -122.2712")
		fmt.Println("  (San Francisco to Oakland)")
		os.Exit(1)
	}

	distance := geo.DistanceMeters(*lat1, *lon1, *lat2, *lon2)

	fmt.Printf("Distance between points:\n")
	fmt.Printf("  Point 1: (%.6f, %.6f)\n", *lat1, *lon1)
	fmt.Printf("  Point 2: (%.6f, %.6f)\n", *lat2, *lon2)
	fmt.Printf("  Distance: %.2f meters (%.2f km, %.2f miles)\n",
		distance, distance/1000, distance*0.000621371)
}

func handleSegmentDistance() {
	fs := flag.NewFlagSet("segment-distance", flag.ExitOnError)
	lat := fs.Float64("lat", 0, "Latitude of point")
	lon := fs.Float64("lon", 0, "Longitude of point")
	aLat := fs.Float64("a-lat", 0, "Latitude of segment start")
	aLon := fs.Float64("a-lon", 0, "Longitude of segment start")
	bLat := fs.Float64("b-lat", 0, "Latitude of segment end")
	bLon := fs.Float64("b-lon", 0, "Longitude of segment end")

	fs.Parse(os.Args[2:])

	if *aLat == 0 && *aLon == 0 && *bLat == 0 && *bLon == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils segment-distance --lat 37.7760 --lon -122.4180 --a-lat 37.7749 --a-lon -122.4194 --b-lat 37.7749 --b-lon -122.4100")
		os.Exit(1)
	}

	segment := geo.DistanceToSegment(*lat, *lon, *aLat, *aLon, *bLat, *bLon)
	toA := geo.DistanceMeters(*lat, *lon, *aLat, *aLon)
	toB := geo.DistanceMeters(*lat, *lon, *bLat, *bLon)

	fmt.Printf("Distance from (%.6f, %.6f):\n", *lat, *lon)
	fmt.Printf("  To segment: %.2f meters\n", segment)
	fmt.Printf("  To start:   %.2f meters\n", toA)
	fmt.Printf("  To end:     %.2f meters\n", toB)
}

func handleSquarePolygon() {
	fs := flag.NewFlagSet("square-polygon", flag.ExitOnError)
	lat := fs.Float64("lat", 0, "Latitude of center")
	lon := fs.Float64("lon", 0, "Longitude of center")
	radius := fs.Float64("radius", 50, "Half side length in meters")
	asGeoJSON := fs.Bool("geojson", false, "Print as a GeoJSON Feature")

	fs.Parse(os.Args[2:])

	if *lat == 0 && *lon == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils square-polygon --lat 37.7749 --lon -122.4194 --radius 100")
		fmt.Println("  test-geo-utils square-polygon --lat 37.7749 --lon -122.4194 --radius 100 --geojson")
		os.Exit(1)
	}

	ring := geo.SquarePolygon(*lon, *lat, *radius)

	if *asGeoJSON {
		feature := geojson.NewFeature(orb.Polygon{ring})
		feature.Properties["radius_meters"] = *radius
		data, err := feature.MarshalJSON()
		if err != nil {
			log.Fatalf("Error encoding GeoJSON: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Exclusion square (%.0fm) around (%.6f, %.6f):\n", *radius, *lat, *lon)
	for i, p := range ring {
		fmt.Printf("  %d. [%.7f, %.7f]\n", i, p.Lon(), p.Lat())
	}
	fmt.Printf("  Orientation: %s\n", orientationName(ring.Orientation()))
}

func handleDecodeShape() {
	fs := flag.NewFlagSet("decode-shape", flag.ExitOnError)
	shape := fs.String("shape", "", "Encoded polyline string (precision 6)")
	verbose := fs.Bool("verbose", false, "Print every point")

	fs.Parse(os.Args[2:])

	if *shape == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-geo-utils decode-shape --shape '<encoded-shape>'")
		fmt.Println("  test-geo-utils decode-shape --shape '<encoded-shape>' --verbose")
		os.Exit(1)
	}

	points, err := geo.DecodeShape(*shape)
	if err != nil {
		log.Fatalf("Error decoding shape: %v", err)
	}

	length := 0.0
	for i := 1; i < len(points); i++ {
		length += geo.DistanceMeters(points[i-1].Latitude, points[i-1].Longitude, points[i].Latitude, points[i].Longitude)
	}
	bounds := geo.RouteBounds(points, 0)

	fmt.Printf("Decoded shape:\n")
	fmt.Printf("  Points: %d\n", len(points))
	fmt.Printf("  Length: %.2f km\n", length/1000)
	fmt.Printf("  Bounds: (%.6f, %.6f) to (%.6f, %.6f)\n",
		bounds.Min.Lat(), bounds.Min.Lon(), bounds.Max.Lat(), bounds.Max.Lon())

	if *verbose {
		for i, p := range points {
			fmt.Printf("  %d. (%.6f, %.6f)\n", i+1, p.Latitude, p.Longitude)
		}
	}
}

func orientationName(o orb.Orientation) string {
	switch o {
	case orb.CCW:
		return "counter-clockwise"
	case orb.CW:
		return "clockwise"
	}
	return "degenerate"
}

func printUsage() {
	fmt.Println("test-geo-utils - Debug tool for geometry utilities")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  test-geo-utils <command> [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  point-distance    Haversine distance between two points")
	fmt.Println("  segment-distance  Distance from a point to a segment")
	fmt.Println("  square-polygon    Exclusion square around a point")
	fmt.Println("  decode-shape      Decode a routing shape and summarize it")
	fmt.Println("  help              Show this help message")
}
