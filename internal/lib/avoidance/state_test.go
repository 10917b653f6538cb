package avoidance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpup/detour/server/internal/lib/routing"
)

func TestState_TransitionsDoNotMutate(t *testing.T) {
	before := newState(lineAt(0), 50)
	points := []routing.AvoidancePoint{camera("1", 0, 5)}

	after := before.withExclusions(points, BuildExclusions(points, 50)).withRoute(lineAt(0.05))

	assert.Equal(t, 0, before.ExcludedCount())
	assert.Empty(t, before.Polygons())
	assert.Equal(t, "", before.Fingerprint())
	assert.Equal(t, 0, before.Iteration())

	assert.Equal(t, 1, after.ExcludedCount())
	assert.True(t, after.IsExcluded(points[0]))
	assert.False(t, before.IsExcluded(points[0]))
	assert.Len(t, after.Polygons(), 1)
	assert.Equal(t, lineAt(0.05).Fingerprint(), after.Fingerprint())
	assert.Equal(t, 1, after.Iteration())
}

func TestState_ExcludedKeyIsFeedQualified(t *testing.T) {
	a := routing.AvoidancePoint{ID: "7", FeedID: "surveillance"}
	b := routing.AvoidancePoint{ID: "7", FeedID: "iceout"}

	s := newState(lineAt(0), 50).withExclusions([]routing.AvoidancePoint{a}, nil)
	assert.True(t, s.IsExcluded(a))
	assert.False(t, s.IsExcluded(b))
}

func TestState_PolygonsReturnsCopy(t *testing.T) {
	points := []routing.AvoidancePoint{camera("1", 0, 5)}
	s := newState(lineAt(0), 50).withExclusions(points, BuildExclusions(points, 50))

	polygons := s.Polygons()
	polygons[0] = nil
	assert.NotNil(t, s.Polygons()[0])
}

// A failed step hands back the state it was given
func TestPass_FailedStepRollsBack(t *testing.T) {
	router := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		return nil, errNoRoute
	}}
	p := &pass{
		id:      "test",
		adapter: NewAdapter(router, trip, nil),
		points:  []routing.AvoidancePoint{camera("1", 0, 5)},
		opts:    DefaultOptions(),
	}

	before := newState(lineAt(0), 50)
	after, outcome := p.step(testContext(t), before)

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, before.ExcludedCount(), after.ExcludedCount())
	assert.Equal(t, before.Polygons(), after.Polygons())
	assert.Equal(t, before.Radius(), after.Radius())
	assert.Same(t, before.Route(), after.Route())
	assert.Equal(t, 2, p.calls)
}

func TestPass_StepAddsOnlyNewPoints(t *testing.T) {
	router := &scriptedRouter{respond: func(_ context.Context, _ routing.Request) (*routing.Route, error) {
		return lineAt(0.05), nil
	}}
	points := []routing.AvoidancePoint{camera("1", 0, 5), camera("2", 0, 20)}
	p := &pass{id: "test", adapter: NewAdapter(router, trip, nil), points: points, opts: DefaultOptions()}

	before := newState(lineAt(0), 50).withExclusions(points[:1], BuildExclusions(points[:1], 50))
	after, outcome := p.step(testContext(t), before)

	assert.Equal(t, OutcomeSearching, outcome)
	assert.Equal(t, 2, after.ExcludedCount())
	require.Len(t, after.Polygons(), 2)
	assert.Equal(t, before.Polygons()[0], after.Polygons()[0])
}
