package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dpup/detour/server/internal/lib/routing"
)

// Kind selects how a feed's payload is parsed
type Kind string

const (
	KindSurveillance Kind = "builtin-surveillance"
	KindIceout       Kind = "iceout"
	KindGeoJSON      Kind = "geojson"
	KindKML          Kind = "kml"
	KindOverpass     Kind = "overpass"
)

var ErrUnknownKind = errors.New("unknown feed kind")

// ParseKind validates a configured feed kind
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// IsValid reports whether k is one of the supported kinds
func (k Kind) IsValid() bool {
	switch k {
	case KindSurveillance, KindIceout, KindGeoJSON, KindKML, KindOverpass:
		return true
	}
	return false
}

// Feed describes a source of avoidance points
type Feed struct {
	ID         string
	Name       string
	Kind       Kind
	URL        string // http(s) URL or local file path
	MaxAgeDays int    // Iceout only; zero disables the age cutoff
	Types      []string
	BBox       []float64 // Overpass only: south, west, north, east
	Grid       int       // Overpass only: tiles per side
}

// Loader fetches and parses the raw points of a feed
type Loader interface {
	Load(ctx context.Context, feed Feed) ([]routing.AvoidancePoint, error)
}

// Registry maps each feed kind to its loader
type Registry struct {
	surveillance Loader
	iceout       Loader
	geojson      Loader
	kml          Loader
	overpass     Loader
}

// NewRegistry creates loaders for every kind sharing one fetcher
func NewRegistry(fetcher *Fetcher) *Registry {
	return &Registry{
		surveillance: &surveillanceLoader{fetcher: fetcher},
		iceout:       &iceoutLoader{fetcher: fetcher},
		geojson:      &geojsonLoader{fetcher: fetcher},
		kml:          &kmlLoader{fetcher: fetcher},
		overpass:     NewOverpassLoader(fetcher),
	}
}

// LoaderFor returns the loader for kind
func (r *Registry) LoaderFor(kind Kind) (Loader, error) {
	switch kind {
	case KindSurveillance:
		return r.surveillance, nil
	case KindIceout:
		return r.iceout, nil
	case KindGeoJSON:
		return r.geojson, nil
	case KindKML:
		return r.kml, nil
	case KindOverpass:
		return r.overpass, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Load fetches the raw points of a feed with the loader for its kind
func (r *Registry) Load(ctx context.Context, feed Feed) ([]routing.AvoidancePoint, error) {
	loader, err := r.LoaderFor(feed.Kind)
	if err != nil {
		return nil, err
	}
	return loader.Load(ctx, feed)
}

// formatID renders a JSON id, which feeds send as either numbers or strings
func formatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(id, 10)
	case int:
		return strconv.Itoa(id)
	default:
		return fmt.Sprint(id)
	}
}
