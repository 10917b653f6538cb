package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		tags map[string]string
		want string
	}{
		{"speed camera highway tag", map[string]string{"highway": "speed_camera"}, CategorySpeedCamera},
		{"average speed enforcement", map[string]string{"enforcement": "average_speed"}, CategorySpeedCamera},
		{"red light enforcement", map[string]string{"enforcement": "traffic_signals"}, CategoryRedLightCamera},
		{"alpr", map[string]string{"man_made": "surveillance", "surveillance:type": "ALPR"}, CategoryALPR},
		{"anpr", map[string]string{"surveillance:type": "anpr"}, CategoryALPR},
		{"gunshot detector", map[string]string{"surveillance:type": "gunshot_detector"}, CategoryGunshotDetector},
		{"traffic zone camera", map[string]string{"surveillance:type": "camera", "surveillance:zone": "traffic"}, CategoryTrafficCamera},
		{"untyped surveillance", map[string]string{"man_made": "surveillance"}, CategoryCCTV},
		{"no tags", nil, CategoryCCTV},
		{"guard", map[string]string{"surveillance:type": "guard"}, CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.tags))
		})
	}
}

func TestOverpassLoader(t *testing.T) {
	fixtures := map[string][]byte{}
	for key, name := range map[string]string{
		"man_made":    "overpass-surveillance.json",
		"highway":     "overpass-speed.json",
		"enforcement": "overpass-enforcement.json",
	} {
		data, err := os.ReadFile("testdata/" + name)
		require.NoError(t, err)
		fixtures[key] = data
	}

	var mu sync.Mutex
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		query := r.PostForm.Get("data")

		mu.Lock()
		queries = append(queries, query)
		mu.Unlock()

		for key, data := range fixtures {
			if strings.Contains(query, `"`+key+`"`) {
				_, _ = w.Write(data)
				return
			}
		}
		_, _ = w.Write([]byte(`{"elements":[]}`))
	}))
	defer srv.Close()

	loader := NewOverpassLoader(NewFetcher(nil).WithRetry(1, time.Millisecond)).WithPause(0)
	feed := Feed{ID: "osm", Kind: KindOverpass, URL: srv.URL, BBox: []float64{37.5, -122.5, 38, -122}, Grid: 1}

	points, err := loader.Load(testContext(t), feed)
	require.NoError(t, err)

	require.Len(t, queries, 3)
	assert.Equal(t, `[out:json][timeout:180];node["man_made"="surveillance"](37.5,-122.5,38,-122);out;`, queries[0])

	ids := make([]string, len(points))
	categories := map[string]string{}
	for i, p := range points {
		ids[i] = p.ID
		categories[p.ID] = p.Category
		assert.Equal(t, "osm", p.FeedID)
	}
	assert.Equal(t, []string{"9001", "9002", "9003", "9100", "9200"}, ids)
	assert.Equal(t, CategoryALPR, categories["9001"], "first classification wins")
	assert.Equal(t, CategoryTrafficCamera, categories["9002"])
	assert.Equal(t, CategoryCCTV, categories["9003"])
	assert.Equal(t, CategorySpeedCamera, categories["9100"])
	assert.Equal(t, CategoryRedLightCamera, categories["9200"])
}

func TestOverpassLoader_Tiles(t *testing.T) {
	tiles := makeTiles([]float64{36, -125, 49, -102}, 4)
	require.Len(t, tiles, 16)
	assert.Equal(t, "tile[0,0]", tiles[0].label)
	assert.InDelta(t, 36, tiles[0].south, 1e-9)
	assert.InDelta(t, -125, tiles[0].west, 1e-9)
	assert.InDelta(t, 39.25, tiles[0].north, 1e-9)
	assert.InDelta(t, -119.25, tiles[0].east, 1e-9)
	assert.InDelta(t, 49, tiles[15].north, 1e-9)
	assert.InDelta(t, -102, tiles[15].east, 1e-9)
}

func TestOverpassLoader_RejectsBadBBox(t *testing.T) {
	loader := NewOverpassLoader(NewFetcher(nil))
	_, err := loader.Load(testContext(t), Feed{ID: "osm", Kind: KindOverpass, BBox: []float64{1, 2}})
	assert.ErrorContains(t, err, "bbox")
}

func TestOverpassLoader_FetchNodesWithoutLoggerOnContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"elements":[]}`))
	}))
	defer srv.Close()

	loader := NewOverpassLoader(NewFetcher(nil)).WithPause(0)
	feed := Feed{ID: "osm", Kind: KindOverpass, URL: srv.URL, BBox: []float64{37.5, -122.5, 38, -122}, Grid: 1}

	var nodes []SurveillanceNode
	var err error
	assert.NotPanics(t, func() {
		nodes, err = loader.FetchNodes(context.Background(), feed)
	})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
