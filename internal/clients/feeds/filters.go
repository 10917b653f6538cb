package feeds

import (
	"time"

	"github.com/dpup/detour/server/internal/lib/routing"
)

var occurredLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ApplyFilters applies the feed's configured filters to freshly loaded or
// cached points. Iceout feeds with MaxAgeDays set drop reports older than
// the cutoff and reports without a parseable "occurred" time. A non-empty
// Types list keeps only those categories.
func ApplyFilters(points []routing.AvoidancePoint, feed Feed, now time.Time) []routing.AvoidancePoint {
	if feed.Kind == KindIceout && feed.MaxAgeDays > 0 {
		cutoff := now.Add(-time.Duration(feed.MaxAgeDays) * 24 * time.Hour)
		recent := make([]routing.AvoidancePoint, 0, len(points))
		for _, p := range points {
			occurred, ok := occurredAt(p)
			if ok && !occurred.Before(cutoff) {
				recent = append(recent, p)
			}
		}
		points = recent
	}

	return routing.FilterCategories(points, feed.Types)
}

func occurredAt(p routing.AvoidancePoint) (time.Time, bool) {
	raw, _ := p.Properties["occurred"].(string)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range occurredLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
