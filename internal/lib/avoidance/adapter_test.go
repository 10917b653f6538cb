package avoidance

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/detour/server/internal/lib/routing"
	"github.com/dpup/detour/server/internal/observability"
)

func TestAdapter_PrependsExistingPolygons(t *testing.T) {
	existing := orb.Ring{{1, 1}, {2, 1}, {2, 2}, {1, 2}, {1, 1}}
	added := orb.Ring{{3, 3}, {4, 3}, {4, 4}, {3, 4}, {3, 3}}

	template := trip
	template.ExcludePolygons = []orb.Ring{existing}

	router := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		return lineAt(0), nil
	}}
	adapter := NewAdapter(router, template, nil)

	route := adapter.Route(testContext(t), []orb.Ring{added})
	require.NotNil(t, route)

	require.Len(t, router.requests, 1)
	assert.Equal(t, []orb.Ring{existing, added}, router.requests[0].ExcludePolygons)
	assert.Equal(t, trip.Locations, router.requests[0].Locations)

	// The template is not modified by a call
	assert.Len(t, template.ExcludePolygons, 1)
}

func TestAdapter_FailuresBecomeNil(t *testing.T) {
	failing := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		return nil, errNoRoute
	}}
	assert.Nil(t, NewAdapter(failing, trip, nil).Route(testContext(t), nil))

	empty := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		return &routing.Route{}, nil
	}}
	assert.Nil(t, NewAdapter(empty, trip, nil).Route(testContext(t), nil))
}

func TestAdapter_RecordsMetrics(t *testing.T) {
	collector, err := observability.NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	calls := 0
	router := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		calls++
		if calls == 1 {
			return nil, errNoRoute
		}
		return lineAt(0), nil
	}}
	adapter := NewAdapter(router, trip, collector)

	adapter.Route(testContext(t), nil)
	adapter.Route(testContext(t), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.RoutingRequests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.RoutingRequests.WithLabelValues("error")))
}
