package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/detour/server/internal/cache"
	"github.com/dpup/detour/server/internal/clients/feeds"
	"github.com/dpup/detour/server/internal/clients/valhalla"
	"github.com/dpup/detour/server/internal/config"
	"github.com/dpup/detour/server/internal/lib/avoidance"
	"github.com/dpup/detour/server/internal/lib/geo"
	"github.com/dpup/detour/server/internal/lib/routing"
	"github.com/dpup/detour/server/internal/services"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "detect":
		handleDetect()
	case "avoid":
		handleAvoid()
	case "feeds":
		handleFeeds()
	case "fetch-surveillance":
		handleFetchSurveillance()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleDetect() {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	routeFile := fs.String("route-json", "", "Path to JSON file containing a Route")
	pointsFile := fs.String("points-json", "", "Path to JSON file containing an array of avoidance points")
	radius := fs.Float64("radius", 50, "Detection radius in meters")

	fs.Parse(os.Args[2:])

	if *routeFile == "" || *pointsFile == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-route-avoider detect --route-json route.json --points-json points.json")
		fmt.Println("  test-route-avoider detect --route-json route.json --points-json points.json --radius 100")
		os.Exit(1)
	}

	route := readRoute(*routeFile)
	points := readPoints(*pointsFile)

	matches := routing.FindPointsNearRoute(route.Geometry, points, *radius)

	fmt.Printf("Route: %d vertices, %d leg(s)\n", len(route.Geometry), len(route.Legs))
	fmt.Printf("Points: %d, radius %.0fm\n\n", len(points), *radius)

	if len(matches) == 0 {
		fmt.Printf("✅ No points within %.0fm of the route\n", *radius)
		return
	}

	fmt.Printf("🔴 %d point(s) near the route:\n", len(matches))
	for i, m := range matches {
		fmt.Printf("  %d. %-24s %-16s %7.1fm  (%.6f, %.6f)  %s\n",
			i+1, m.Point.Key(), m.Point.Category, m.DistanceMeters, m.Point.Lat, m.Point.Lon, m.Point.Label)
	}

	fmt.Printf("\nBY FEED:\n")
	for feedID, n := range routing.CountByFeed(matches) {
		fmt.Printf("  %s: %d\n", feedID, n)
	}
}

func handleAvoid() {
	fs := flag.NewFlagSet("avoid", flag.ExitOnError)
	valhallaURL := fs.String("valhalla", "http://localhost:8002", "Valhalla base URL")
	from := fs.String("from", "", "Origin as lat,lon")
	to := fs.String("to", "", "Destination as lat,lon")
	profile := fs.String("profile", "bicycle", "Costing profile (auto, bicycle, pedestrian, ...)")
	pointsFile := fs.String("points-json", "", "Path to JSON file containing an array of avoidance points")
	radius := fs.Float64("radius", 50, "Starting exclusion radius in meters")
	maxIterations := fs.Int("max-iterations", 20, "Maximum avoidance iterations")
	kmlFile := fs.String("kml", "", "Write the final route and exclusion polygons to this KML file")

	fs.Parse(os.Args[2:])

	if *from == "" || *to == "" || *pointsFile == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-route-avoider avoid --from 37.7749,-122.4194 --to 37.8044,-122.2712 --points-json points.json")
		fmt.Println("  test-route-avoider avoid --from 37.7749,-122.4194 --to 37.8044,-122.2712 --points-json points.json --kml out.kml")
		os.Exit(1)
	}

	origin := parseLatLon("from", *from)
	destination := parseLatLon("to", *to)
	points := readPoints(*pointsFile)

	ctx, stop := signal.NotifyContext(logging.EnsureLogger(context.Background()), os.Interrupt)
	defer stop()

	client := valhalla.NewClient(*valhallaURL, 30*time.Second)
	req := routing.Request{
		Locations: []routing.Location{origin, destination},
		Profile:   *profile,
		Units:     "kilometers",
	}

	initial, err := client.Route(ctx, req)
	if err != nil {
		log.Fatalf("Error computing initial route: %v", err)
	}
	fmt.Printf("Initial route: %d vertices, %.2f km\n", len(initial.Geometry), initial.Summary.Length)

	opts := avoidance.DefaultOptions()
	opts.StartRadius = *radius
	opts.MinRadius = min(opts.MinRadius, *radius)
	opts.MaxIterations = *maxIterations

	engine := avoidance.NewEngine(client, nil)
	result, err := engine.Avoid(ctx, initial, points, req, opts)
	if err != nil && result == nil {
		log.Fatalf("Error avoiding points: %v", err)
	}
	if err != nil {
		fmt.Printf("⚠️  Interrupted: %v\n", err)
	}

	fmt.Printf("\nAVOIDANCE RESULT:\n")
	fmt.Printf("  Pass: %s\n", result.PassID)
	fmt.Printf("  Outcome: %s\n", result.Outcome)
	fmt.Printf("  Iterations: %d (%d routing calls)\n", result.Iterations, result.RoutingCalls)
	fmt.Printf("  Excluded points: %d\n", result.Excluded)
	fmt.Printf("  Exclusion polygons: %d at %.0fm\n", len(result.ExcludePolygons), result.Radius)
	fmt.Printf("  Final route: %d vertices, %.2f km\n", len(result.Route.Geometry), result.Route.Summary.Length)

	remaining := routing.FindPointsNearRoute(result.Route.Geometry, points, *radius)
	if len(remaining) > 0 {
		fmt.Printf("\n🔴 %d point(s) could not be avoided:\n", len(remaining))
		for _, m := range remaining {
			fmt.Printf("  %-24s %7.1fm\n", m.Point.Key(), m.DistanceMeters)
		}
	} else {
		fmt.Printf("\n✅ Route is clear of every point\n")
	}

	if *kmlFile != "" {
		f, err := os.Create(*kmlFile)
		if err != nil {
			log.Fatalf("Error creating KML file: %v", err)
		}
		defer f.Close()
		if err := avoidance.WriteKML(f, "Avoidance route "+result.PassID, result.Route, result.ExcludePolygons); err != nil {
			log.Fatalf("Error writing KML: %v", err)
		}
		fmt.Printf("\nKML written to %s\n", *kmlFile)
	}
}

func handleFeeds() {
	fs := flag.NewFlagSet("feeds", flag.ExitOnError)
	configFile := fs.String("config", "prefab.yaml", "Path to the server configuration")
	all := fs.Bool("all", false, "Load disabled feeds too")

	fs.Parse(os.Args[2:])

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	selected := cfg.EnabledFeeds()
	if *all {
		selected = cfg.Feeds
	}

	feedService := services.NewFeedService(
		feeds.NewRegistry(feeds.NewFetcher(nil)),
		cache.NewFeedStore(cache.NewCache()),
		cfg.Cache.FeedTTL,
		nil,
	)

	start := time.Now()
	points, statuses, err := feedService.LoadEnabled(logging.EnsureLogger(context.Background()), selected)
	if err != nil {
		log.Fatalf("Error loading feeds: %v", err)
	}

	fmt.Printf("Loaded %d feed(s) in %v\n\n", len(statuses), time.Since(start).Round(time.Millisecond))
	for _, s := range statuses {
		if s.Error != "" {
			fmt.Printf("  ❌ %-24s %-22s %s\n", s.ID, s.Kind, s.Error)
			continue
		}
		fmt.Printf("  ✅ %-24s %-22s %6d point(s)\n", s.ID, s.Kind, s.Points)
	}

	categories := make(map[string]int)
	for _, p := range points {
		categories[p.Category]++
	}
	fmt.Printf("\nBY CATEGORY:\n")
	for category, n := range categories {
		fmt.Printf("  %-20s %d\n", category, n)
	}
}

func handleFetchSurveillance() {
	fs := flag.NewFlagSet("fetch-surveillance", flag.ExitOnError)
	out := fs.String("out", feeds.DefaultSurveillancePath, "Where to write the surveillance snapshot")
	endpoint := fs.String("url", feeds.DefaultOverpassURL, "Overpass API interpreter URL")
	bbox := fs.String("bbox", "36,-125,49,-102", "Bounding box as south,west,north,east")
	grid := fs.Int("grid", 4, "Tiles per side of the bounding box")

	fs.Parse(os.Args[2:])

	box, err := parseFloats(*bbox)
	if err != nil || len(box) != 4 {
		log.Fatalf("Invalid --bbox %q: expected south,west,north,east", *bbox)
	}

	ctx, stop := signal.NotifyContext(logging.EnsureLogger(context.Background()), os.Interrupt)
	defer stop()

	loader := feeds.NewOverpassLoader(feeds.NewFetcher(nil))
	feed := feeds.Feed{ID: "overpass", Kind: feeds.KindOverpass, URL: *endpoint, BBox: box, Grid: *grid}

	fmt.Printf("Querying %s over %d tile(s)...\n", *endpoint, *grid * *grid)
	nodes, err := loader.FetchNodes(ctx, feed)
	if err != nil {
		log.Fatalf("Error fetching surveillance nodes: %v", err)
	}

	data, err := json.Marshal(nodes)
	if err != nil {
		log.Fatalf("Error encoding nodes: %v", err)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatalf("Error writing %s: %v", *out, err)
	}

	counts := make(map[string]int)
	for _, n := range nodes {
		counts[n.Type]++
	}
	fmt.Printf("✅ Wrote %d node(s) to %s\n", len(nodes), *out)
	for category, n := range counts {
		fmt.Printf("  %-20s %d\n", category, n)
	}
}

func readRoute(path string) *routing.Route {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading route file %s: %v", path, err)
	}

	var route routing.Route
	if err := json.Unmarshal(data, &route); err != nil {
		log.Fatalf("Error parsing route JSON: %v", err)
	}

	// Routes saved from the routing service may only carry encoded shapes
	if len(route.Geometry) == 0 {
		for _, leg := range route.Legs {
			points, err := geo.DecodeShape(leg.Shape)
			if err != nil {
				log.Fatalf("Error decoding leg shape: %v", err)
			}
			route.Geometry = append(route.Geometry, points...)
		}
	}
	return &route
}

func readPoints(path string) []routing.AvoidancePoint {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Error reading points file %s: %v", path, err)
	}

	var points []routing.AvoidancePoint
	if err := json.Unmarshal(data, &points); err != nil {
		log.Fatalf("Error parsing points JSON: %v", err)
	}
	for i := range points {
		if points[i].ID == "" {
			points[i].ID = strconv.Itoa(i)
		}
		if points[i].FeedID == "" {
			points[i].FeedID = "cli"
		}
	}
	return points
}

func parseLatLon(name, s string) routing.Location {
	values, err := parseFloats(s)
	if err != nil || len(values) != 2 {
		log.Fatalf("Invalid --%s %q: expected lat,lon", name, s)
	}
	if !(geo.Point{Latitude: values[0], Longitude: values[1]}).Valid() {
		log.Fatalf("Invalid --%s %q: coordinates out of range", name, s)
	}
	return routing.Location{Lat: values[0], Lon: values[1]}
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	values := make([]float64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func printUsage() {
	fmt.Println("test-route-avoider - Debug tool for route avoidance")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  test-route-avoider <command> [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  detect              List avoidance points near a saved route")
	fmt.Println("  avoid               Route between two points avoiding a set of points")
	fmt.Println("  feeds               Load the configured feeds and print point counts")
	fmt.Println("  fetch-surveillance  Download the surveillance snapshot from OpenStreetMap")
	fmt.Println("  help                Show this help message")
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Println("  test-route-avoider detect --route-json route.json --points-json points.json --radius 100")
	fmt.Println("  test-route-avoider avoid --from 37.7749,-122.4194 --to 37.8044,-122.2712 --points-json points.json --kml out.kml")
	fmt.Println("  test-route-avoider feeds --config prefab.yaml")
	fmt.Println("  test-route-avoider fetch-surveillance --out data/surveillance-nodes.json --grid 4")
}
