package valhalla

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/dpup/detour/server/internal/lib/geo"
	"github.com/dpup/detour/server/internal/lib/routing"
)

const requestID = "valhalla_directions"

// HTTPDoer is the subset of *http.Client used by Client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the Valhalla /route endpoint
type Client struct {
	baseURL    string
	httpClient HTTPDoer
}

// NewClient creates a new Valhalla client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewClientWithHTTPDoer(baseURL, &http.Client{Timeout: timeout})
}

// NewClientWithHTTPDoer creates a client with a custom HTTP implementation
func NewClientWithHTTPDoer(baseURL string, doer HTTPDoer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: doer,
	}
}

// Error is a non-2xx response from Valhalla
type Error struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"error_code"`
	Message    string `json:"error"`
	Status     string `json:"status"`
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("valhalla error %d (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("valhalla HTTP %d: %s", e.StatusCode, e.Message)
}

// routeRequest is the JSON document sent in the json query parameter
type routeRequest struct {
	Costing         string             `json:"costing"`
	CostingOptions  map[string]any     `json:"costing_options,omitempty"`
	Locations       []routing.Location `json:"locations"`
	ExcludePolygons []orb.Ring         `json:"exclude_polygons"`
	Units           string             `json:"units"`
	Alternates      int                `json:"alternates"`
	ID              string             `json:"id"`
	Language        string             `json:"language,omitempty"`
	DateTime        *routing.DateTime  `json:"date_time,omitempty"`
}

type routeResponse struct {
	Trip       trip `json:"trip"`
	Alternates []struct {
		Trip trip `json:"trip"`
	} `json:"alternates,omitempty"`
}

type trip struct {
	Legs          []routing.Leg   `json:"legs"`
	Summary       routing.Summary `json:"summary"`
	Status        int             `json:"status"`
	StatusMessage string          `json:"status_message"`
	Units         string          `json:"units"`
}

// Route requests a route. Costing options in req are nested under the
// profile name, as Valhalla expects.
func (c *Client) Route(ctx context.Context, req routing.Request) (*routing.Route, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + "/route?" + url.Values{"json": {string(body)}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp)
	}

	var response routeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	route, err := toRoute(response.Trip)
	if err != nil {
		return nil, err
	}
	for i, alt := range response.Alternates {
		altRoute, err := toRoute(alt.Trip)
		if err != nil {
			return nil, fmt.Errorf("alternate %d: %w", i, err)
		}
		route.Alternates = append(route.Alternates, *altRoute)
	}
	return route, nil
}

func buildRequest(req routing.Request) routeRequest {
	units := req.Units
	if units == "" {
		units = "kilometers"
	}

	polygons := req.ExcludePolygons
	if polygons == nil {
		polygons = []orb.Ring{}
	}

	out := routeRequest{
		Costing:         req.Profile,
		Locations:       req.Locations,
		ExcludePolygons: polygons,
		Units:           units,
		Alternates:      req.Alternates,
		ID:              requestID,
		Language:        req.Language,
	}
	if len(req.CostingOptions) > 0 {
		out.CostingOptions = costingOptions(req.Profile, req.CostingOptions)
	}
	if req.DateTime != nil && req.DateTime.Type > -1 {
		out.DateTime = req.DateTime
	}
	return out
}

// costingOptions accepts both the flat option map and Valhalla's own shape
// keyed by profile, which is sent unchanged
func costingOptions(profile string, opts map[string]any) map[string]any {
	if len(opts) == 1 {
		if _, keyed := opts[profile].(map[string]any); keyed {
			return opts
		}
	}
	return map[string]any{profile: opts}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &Error{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// toRoute decodes each leg and joins the leg geometries in order
func toRoute(t trip) (*routing.Route, error) {
	if len(t.Legs) == 0 {
		return nil, fmt.Errorf("no legs in trip")
	}

	var geometry []geo.Point
	for i, leg := range t.Legs {
		points, err := geo.DecodeShape(leg.Shape)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		geometry = append(geometry, points...)
	}

	return &routing.Route{
		Legs:     t.Legs,
		Summary:  t.Summary,
		Geometry: geometry,
	}, nil
}
