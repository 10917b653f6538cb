package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dpup/detour/server/internal/cache"
	"github.com/dpup/detour/server/internal/clients/feeds"
	"github.com/dpup/detour/server/internal/clients/valhalla"
	"github.com/dpup/detour/server/internal/config"
	"github.com/dpup/detour/server/internal/observability"
	"github.com/dpup/detour/server/internal/services"
)

func main() {
	// Load configuration using Prefab's config system
	appConfig := loadConfig()

	metrics, err := observability.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	ctx := logging.EnsureLogger(context.Background())

	cacheInstance := cache.NewCache()
	cacheInstance.StartPeriodicCleanup(ctx, appConfig.Cache.CleanupInterval)

	// Initialize external clients
	valhallaClient := valhalla.NewClient(appConfig.Valhalla.URL, appConfig.Valhalla.Timeout)
	feedRegistry := feeds.NewRegistry(feeds.NewFetcher(nil))

	feedService := services.NewFeedService(feedRegistry, cache.NewFeedStore(cacheInstance), appConfig.Cache.FeedTTL, metrics)
	avoidanceService := services.NewAvoidanceService(valhallaClient, feedService, appConfig, metrics)

	log.Printf("Route avoidance server starting")
	log.Printf("Valhalla: %s", appConfig.Valhalla.URL)
	log.Printf("Feeds enabled: %d of %d", len(appConfig.EnabledFeeds()), len(appConfig.Feeds))

	// Keep feed caches warm so route requests rarely wait on a feed download
	periodicRefresh := services.NewPeriodicRefreshService(feedService, appConfig)
	if err := periodicRefresh.StartPeriodicRefresh(ctx); err != nil {
		log.Printf("Failed to start periodic refresh: %v", err)
	}
	defer periodicRefresh.Stop()

	// Server configuration (port, etc.) will be loaded from prefab.yaml/env vars
	server := prefab.New(
		prefab.WithHTTPHandlerFunc("/", homepageHandler),
		prefab.WithHTTPHandlerFunc("/api/v1/route", avoidanceService.HandleRoute),
		prefab.WithHTTPHandlerFunc("/api/v1/feeds", avoidanceService.HandleListFeeds),
		prefab.WithHTTPHandlerFunc("/api/v1/feeds/clear", avoidanceService.HandleClearFeeds),
		prefab.WithHTTPHandlerFunc("/metrics", metrics.Handler().ServeHTTP),
	)

	// Start the server (blocks until shutdown)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// loadConfig loads configuration using Prefab's config system
// Configuration is loaded from prefab.yaml and environment variables with PF__ prefix
func loadConfig() *config.Config {
	appConfig, err := config.FromSource(prefab.Config)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := appConfig.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	return appConfig
}

// homepageHandler serves a simple HTML homepage at the server root
func homepageHandler(w http.ResponseWriter, r *http.Request) {
	// Only handle the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	html := `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>detour</title>
    <style>
        body {
            font-family: 'Courier New', Consolas, monospace;
            background: #000;
            color: #0f0;
            padding: 20px;
            line-height: 1.4;
        }
        a { color: #0ff; text-decoration: none; }
        a:hover { text-decoration: underline; }
        pre { margin: 0; }
        .header { color: #ff0; }
    </style>
</head>
<body>
<pre>
<span class="header">detour</span>

Routing API that steers around surveillance devices and reported
enforcement activity by excluding them from the route, one pass at a time.

<span class="header">API Endpoints:</span>

  POST /api/v1/route               - Route avoiding the enabled feeds
  <a href="/api/v1/feeds">GET  /api/v1/feeds</a>               - Configured feeds and cache state
  POST /api/v1/feeds/clear[?feed=] - Drop cached feed points
  <a href="/metrics">GET  /metrics</a>                    - Prometheus metrics

<span class="header">Data Sources:</span>
  • Valhalla             - Turn-by-turn routing with exclude_polygons
  • OpenStreetMap        - Surveillance device snapshot (Overpass)
  • Report feeds         - iceout, GeoJSON and KML point feeds

<span class="header">Example Usage:</span>
  curl -X POST /api/v1/route -d '{"locations":[{"lat":37.77,"lon":-122.42},{"lat":37.80,"lon":-122.27}],"profile":"bicycle"}'
</pre>
</body>
</html>`

	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Error("Failed to write homepage HTML", "error", err)
	}
}
