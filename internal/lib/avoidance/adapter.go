package avoidance

import (
	"context"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/lib/routing"
	"github.com/dpup/detour/server/internal/observability"
)

// Router computes a route against an external routing service
type Router interface {
	Route(ctx context.Context, req routing.Request) (*routing.Route, error)
}

// Adapter issues reroute requests for a fixed trip. The request template
// carries the caller's own exclusion polygons, which always precede the
// polygons accumulated by the avoidance loop.
type Adapter struct {
	router   Router
	template routing.Request
	metrics  *observability.Collector
}

// NewAdapter creates an adapter for the given trip
func NewAdapter(router Router, template routing.Request, metrics *observability.Collector) *Adapter {
	return &Adapter{router: router, template: template, metrics: metrics}
}

// Route requests a route avoiding the existing polygons plus the given ones.
// Every failure is reported as a nil route.
func (a *Adapter) Route(ctx context.Context, polygons []orb.Ring) *routing.Route {
	ctx = logging.EnsureLogger(ctx)
	req := a.template
	req.ExcludePolygons = make([]orb.Ring, 0, len(a.template.ExcludePolygons)+len(polygons))
	req.ExcludePolygons = append(req.ExcludePolygons, a.template.ExcludePolygons...)
	req.ExcludePolygons = append(req.ExcludePolygons, polygons...)

	start := time.Now()
	route, err := a.router.Route(ctx, req)
	a.metrics.ObserveRoutingCall(err == nil && route != nil, time.Since(start))

	if err != nil {
		logging.Warnw(ctx, "Reroute request failed",
			"polygons", len(req.ExcludePolygons), "error", err)
		return nil
	}
	if route == nil || len(route.Geometry) == 0 {
		logging.Warnw(ctx, "Reroute returned no geometry", "polygons", len(req.ExcludePolygons))
		return nil
	}
	return route
}
