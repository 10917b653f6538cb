package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/dpup/detour/server/internal/clients/feeds"
	"github.com/dpup/detour/server/internal/lib/avoidance"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// MinRadiusFloorMeters is the smallest exclusion radius the back-off may shrink to
const MinRadiusFloorMeters = 10

// Config represents the complete server configuration
type Config struct {
	Valhalla  ValhallaConfig  `koanf:"valhalla"`
	Avoidance AvoidanceConfig `koanf:"avoidance"`
	Feeds     []FeedConfig    `koanf:"feeds"`
	Cache     CacheConfig     `koanf:"cache"`
}

// ValhallaConfig holds routing service settings
type ValhallaConfig struct {
	URL      string        `koanf:"url"`
	Timeout  time.Duration `koanf:"timeout"`
	Units    string        `koanf:"units"`
	Language string        `koanf:"language"`
}

// AvoidanceConfig holds the default tuning of avoidance passes
type AvoidanceConfig struct {
	StartRadiusMeters float64 `koanf:"start_radius_meters"`
	MinRadiusMeters   float64 `koanf:"min_radius_meters"`
	MaxIterations     int     `koanf:"max_iterations"`
	DefaultProfile    string  `koanf:"default_profile"`
}

// FeedConfig describes one configured point feed
type FeedConfig struct {
	ID           string    `koanf:"id"`
	Name         string    `koanf:"name"`
	Kind         string    `koanf:"kind"`
	URL          string    `koanf:"url"`
	Enabled      bool      `koanf:"enabled"`
	MaxAgeDays   int       `koanf:"max_age_days"`
	Types        []string  `koanf:"types"`
	RadiusMeters float64   `koanf:"radius_meters"` // Zero uses the avoidance start radius
	BBox         []float64 `koanf:"bbox"`
	Grid         int       `koanf:"grid"`
}

// CacheConfig holds feed caching settings
type CacheConfig struct {
	FeedTTL         time.Duration `koanf:"feed_ttl"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RefreshInterval time.Duration `koanf:"refresh_interval"` // Zero disables periodic refresh
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Valhalla: ValhallaConfig{
			URL:      "http://localhost:8002",
			Timeout:  30 * time.Second,
			Units:    "kilometers",
			Language: "en-US",
		},
		Avoidance: AvoidanceConfig{
			StartRadiusMeters: 50,
			MinRadiusMeters:   10,
			MaxIterations:     20,
			DefaultProfile:    "bicycle",
		},
		Feeds: DefaultFeeds(),
		Cache: CacheConfig{
			FeedTTL:         time.Hour,
			CleanupInterval: 10 * time.Minute,
			RefreshInterval: 30 * time.Minute,
		},
	}
}

// DefaultFeeds returns the built-in surveillance snapshot and the iceout
// report feed, both enabled
func DefaultFeeds() []FeedConfig {
	return []FeedConfig{
		{
			ID:      "builtin-surveillance",
			Name:    "Surveillance devices",
			Kind:    string(feeds.KindSurveillance),
			URL:     feeds.DefaultSurveillancePath,
			Enabled: true,
		},
		{
			ID:         "builtin-iceout",
			Name:       "ICE activity reports",
			Kind:       string(feeds.KindIceout),
			URL:        feeds.DefaultIceoutURL,
			Enabled:    true,
			MaxAgeDays: 30,
		},
	}
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	if c.Valhalla.URL == "" {
		return fmt.Errorf("%w: valhalla.url is required", ErrInvalidConfig)
	}
	if err := c.AvoidanceOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Avoidance.MinRadiusMeters < MinRadiusFloorMeters {
		return fmt.Errorf("%w: avoidance.min_radius_meters (%v) is below the %dm floor",
			ErrInvalidConfig, c.Avoidance.MinRadiusMeters, MinRadiusFloorMeters)
	}
	if c.Avoidance.MinRadiusMeters > c.Avoidance.StartRadiusMeters {
		return fmt.Errorf("%w: avoidance.min_radius_meters (%v) exceeds start_radius_meters (%v)",
			ErrInvalidConfig, c.Avoidance.MinRadiusMeters, c.Avoidance.StartRadiusMeters)
	}
	if c.Cache.FeedTTL <= 0 {
		return fmt.Errorf("%w: cache.feed_ttl must be positive, got %v", ErrInvalidConfig, c.Cache.FeedTTL)
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("%w: cache.cleanup_interval must be positive, got %v", ErrInvalidConfig, c.Cache.CleanupInterval)
	}
	if c.Cache.RefreshInterval < 0 {
		return fmt.Errorf("%w: cache.refresh_interval must not be negative, got %v", ErrInvalidConfig, c.Cache.RefreshInterval)
	}

	seen := make(map[string]bool, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.ID == "" {
			return fmt.Errorf("%w: feeds[%d] has no id", ErrInvalidConfig, i)
		}
		if seen[f.ID] {
			return fmt.Errorf("%w: duplicate feed id %q", ErrInvalidConfig, f.ID)
		}
		seen[f.ID] = true

		if _, err := feeds.ParseKind(f.Kind); err != nil {
			return fmt.Errorf("%w: feed %q: %w", ErrInvalidConfig, f.ID, err)
		}
		if f.RadiusMeters < 0 {
			return fmt.Errorf("%w: feed %q: radius_meters must not be negative", ErrInvalidConfig, f.ID)
		}
		if len(f.BBox) != 0 && len(f.BBox) != 4 {
			return fmt.Errorf("%w: feed %q: bbox needs 4 values", ErrInvalidConfig, f.ID)
		}
	}
	return nil
}

// AvoidanceOptions converts the avoidance section to engine options
func (c *Config) AvoidanceOptions() avoidance.Options {
	return avoidance.Options{
		StartRadius:   c.Avoidance.StartRadiusMeters,
		MinRadius:     c.Avoidance.MinRadiusMeters,
		MaxIterations: c.Avoidance.MaxIterations,
	}
}

// EnabledFeeds returns the enabled feeds in configured order
func (c *Config) EnabledFeeds() []FeedConfig {
	var enabled []FeedConfig
	for _, f := range c.Feeds {
		if f.Enabled {
			enabled = append(enabled, f)
		}
	}
	return enabled
}

// FindFeed returns the feed with the given id
func (c *Config) FindFeed(id string) (FeedConfig, bool) {
	for _, f := range c.Feeds {
		if f.ID == id {
			return f, true
		}
	}
	return FeedConfig{}, false
}

// ToFeed converts the configured feed to a loader description
func (f FeedConfig) ToFeed() feeds.Feed {
	return feeds.Feed{
		ID:         f.ID,
		Name:       f.Name,
		Kind:       feeds.Kind(f.Kind),
		URL:        f.URL,
		MaxAgeDays: f.MaxAgeDays,
		Types:      f.Types,
		BBox:       f.BBox,
		Grid:       f.Grid,
	}
}
