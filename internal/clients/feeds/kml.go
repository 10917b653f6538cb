package feeds

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dpup/prefab/logging"

	"github.com/dpup/detour/server/internal/lib/routing"
)

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

type kmlPlacemark struct {
	ID          string `xml:"id,attr"`
	Name        string `xml:"name"`
	Description string `xml:"description"`
	StyleURL    string `xml:"styleUrl"`
	Point       *struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"Point"`
}

type kmlLoader struct {
	fetcher *Fetcher
}

// Load keeps placemarks with Point geometry from anywhere in the document,
// including nested folders.
func (l *kmlLoader) Load(ctx context.Context, feed Feed) ([]routing.AvoidancePoint, error) {
	ctx = logging.EnsureLogger(ctx)
	if feed.URL == "" {
		return []routing.AvoidancePoint{}, nil
	}

	data, err := l.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return nil, err
	}

	placemarks, err := decodePlacemarks(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KML: %w", err)
	}

	points := []routing.AvoidancePoint{}
	skipped := 0
	for i, pm := range placemarks {
		if pm.Point == nil {
			continue
		}
		lon, lat, err := parseKMLCoordinate(pm.Point.Coordinates)
		if err != nil {
			skipped++
			continue
		}

		id := pm.ID
		if id == "" {
			id = fmt.Sprintf("kml-%s-%d", feed.ID, i)
		}
		label := strings.TrimSpace(pm.Name)
		if label == "" {
			label = fmt.Sprintf("Point %d", len(points)+1)
		}

		props := map[string]any{}
		if text := extractTextFromHTML(pm.Description); text != "" {
			props["description"] = text
		}
		if pm.StyleURL != "" {
			props["style_url"] = pm.StyleURL
		}

		points = append(points, routing.AvoidancePoint{
			ID:         id,
			Lat:        lat,
			Lon:        lon,
			Category:   "custom",
			FeedID:     feed.ID,
			Label:      label,
			Properties: props,
		})
	}

	if skipped > 0 {
		logging.Warnw(ctx, "Skipped KML placemarks with invalid coordinates", "feed", feed.ID, "skipped", skipped)
	}
	return points, nil
}

func decodePlacemarks(data []byte) ([]kmlPlacemark, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var placemarks []kmlPlacemark
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return placemarks, nil
		}
		if err != nil {
			return nil, err
		}

		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "Placemark" {
			continue
		}
		var pm kmlPlacemark
		if err := dec.DecodeElement(&pm, &se); err != nil {
			return nil, err
		}
		placemarks = append(placemarks, pm)
	}
}

// parseKMLCoordinate reads the first "lon,lat[,alt]" tuple
func parseKMLCoordinate(s string) (float64, float64, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, 0, errors.New("empty coordinates")
	}
	parts := strings.Split(fields[0], ",")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("malformed coordinate %q", fields[0])
	}
	lon, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, 0, err
	}
	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("coordinate out of range: %v,%v", lon, lat)
	}
	return lon, lat, nil
}

// extractTextFromHTML removes HTML tags and decodes HTML entities
func extractTextFromHTML(htmlContent string) string {
	text := htmlTagPattern.ReplaceAllString(htmlContent, " ")
	text = html.UnescapeString(text)
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
