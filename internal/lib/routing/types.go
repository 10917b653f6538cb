package routing

import (
	"strings"

	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/lib/geo"
)

// AvoidancePoint is a geographic location the route should keep away from
type AvoidancePoint struct {
	ID         string         `json:"id"` // Unique within its feed
	Lat        float64        `json:"lat"`
	Lon        float64        `json:"lon"`
	Category   string         `json:"category"`
	FeedID     string         `json:"feed_id"`
	Label      string         `json:"label,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Key identifies the point across all merged feeds
func (p AvoidancePoint) Key() string {
	return p.FeedID + "/" + p.ID
}

// Location is a routing waypoint
type Location struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Type string  `json:"type,omitempty"` // "break", "through", "via"
}

// DateTime selects departure or arrival time. Type -1 means unset.
type DateTime struct {
	Type  int    `json:"type"`
	Value string `json:"value,omitempty"`
}

// Request describes a single call to the routing service. ExcludePolygons is
// the complete set of areas to avoid for that call.
type Request struct {
	Locations       []Location     `json:"locations"`
	Profile         string         `json:"profile"`
	CostingOptions  map[string]any `json:"costing_options,omitempty"`
	Language        string         `json:"language,omitempty"`
	Units           string         `json:"units,omitempty"`
	Alternates      int            `json:"alternates,omitempty"`
	DateTime        *DateTime      `json:"date_time,omitempty"`
	ExcludePolygons []orb.Ring     `json:"exclude_polygons,omitempty"`
}

// Maneuver is a single turn-by-turn instruction within a leg
type Maneuver struct {
	Type            int      `json:"type"`
	Instruction     string   `json:"instruction"`
	Length          float64  `json:"length"`
	Time            float64  `json:"time"`
	BeginShapeIndex int      `json:"begin_shape_index"`
	EndShapeIndex   int      `json:"end_shape_index"`
	StreetNames     []string `json:"street_names,omitempty"`
}

// Leg is the portion of a route between two consecutive locations
type Leg struct {
	Shape     string     `json:"shape"` // Encoded polyline, precision 6
	Maneuvers []Maneuver `json:"maneuvers,omitempty"`
}

// Summary holds route totals in the request's units
type Summary struct {
	Time   float64 `json:"time"`
	Length float64 `json:"length"`
}

// Route is a routed path with its decoded geometry
type Route struct {
	Legs       []Leg       `json:"legs"`
	Summary    Summary     `json:"summary"`
	Geometry   []geo.Point `json:"geometry"`
	Alternates []Route     `json:"alternates,omitempty"`
}

// Fingerprint joins the leg shapes with "|". Two routes with equal
// fingerprints follow the same path.
func (r *Route) Fingerprint() string {
	if r == nil {
		return ""
	}
	shapes := make([]string, len(r.Legs))
	for i, leg := range r.Legs {
		shapes[i] = leg.Shape
	}
	return strings.Join(shapes, "|")
}

// Match is an avoidance point found near a route
type Match struct {
	Point          AvoidancePoint `json:"point"`
	DistanceMeters float64        `json:"distance_meters"`
}
