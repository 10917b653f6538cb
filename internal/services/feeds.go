package services

import (
	"context"
	"time"

	"github.com/dpup/prefab/logging"
	"golang.org/x/sync/errgroup"

	"github.com/dpup/detour/server/internal/cache"
	"github.com/dpup/detour/server/internal/clients/feeds"
	"github.com/dpup/detour/server/internal/config"
	"github.com/dpup/detour/server/internal/lib/routing"
	"github.com/dpup/detour/server/internal/observability"
)

// maxConcurrentFeedLoads bounds how many feeds are fetched at once
const maxConcurrentFeedLoads = 4

// FeedLoader fetches the raw points of a feed. *feeds.Registry satisfies it.
type FeedLoader interface {
	Load(ctx context.Context, feed feeds.Feed) ([]routing.AvoidancePoint, error)
}

// FeedStatus reports the state of one feed after a load
type FeedStatus struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Kind     string    `json:"kind"`
	Points   int       `json:"points"`
	Cached   bool      `json:"cached"`
	LoadedAt time.Time `json:"loaded_at,omitzero"`
	Error    string    `json:"error,omitempty"`
}

// FeedService loads, caches and filters avoidance point feeds
type FeedService struct {
	loader  FeedLoader
	store   *cache.FeedStore
	ttl     time.Duration
	metrics *observability.Collector
	now     func() time.Time
}

// NewFeedService creates a feed service caching raw feed payloads for ttl
func NewFeedService(loader FeedLoader, store *cache.FeedStore, ttl time.Duration, metrics *observability.Collector) *FeedService {
	return &FeedService{
		loader:  loader,
		store:   store,
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
	}
}

// LoadEnabled loads the given feeds concurrently and merges their filtered
// points in configuration order. A feed that fails to load is reported in
// its status and contributes no points. The only error returned is the
// context's.
func (s *FeedService) LoadEnabled(ctx context.Context, cfgs []config.FeedConfig) ([]routing.AvoidancePoint, []FeedStatus, error) {
	ctx = logging.EnsureLogger(ctx)
	results := make([][]routing.AvoidancePoint, len(cfgs))
	statuses := make([]FeedStatus, len(cfgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFeedLoads)
	for i, cfg := range cfgs {
		g.Go(func() error {
			results[i], statuses[i] = s.load(gctx, cfg, false)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, statuses, err
	}

	var merged []routing.AvoidancePoint
	for _, points := range results {
		merged = append(merged, points...)
	}
	return merged, statuses, nil
}

// Refresh reloads the given feeds from their sources, bypassing the cache.
// A feed that fails keeps its previous cache entry.
func (s *FeedService) Refresh(ctx context.Context, cfgs []config.FeedConfig) []FeedStatus {
	ctx = logging.EnsureLogger(ctx)
	statuses := make([]FeedStatus, len(cfgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFeedLoads)
	for i, cfg := range cfgs {
		g.Go(func() error {
			_, statuses[i] = s.load(gctx, cfg, true)
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// Clear invalidates the cached points of the given feeds, or of every feed
// when none are given
func (s *FeedService) Clear(ctx context.Context, feedIDs ...string) int {
	removed := s.store.Clear(feedIDs...)
	logging.Infow(logging.EnsureLogger(ctx), "Feed cache cleared", "feeds", feedIDs, "removed", removed)
	return removed
}

// Statuses describes the cached state of the given feeds without loading them
func (s *FeedService) Statuses(cfgs []config.FeedConfig) []FeedStatus {
	statuses := make([]FeedStatus, 0, len(cfgs))
	for _, cfg := range cfgs {
		status := FeedStatus{ID: cfg.ID, Name: cfg.Name, Kind: cfg.Kind}
		if points, found, err := s.store.Get(cfg.ID); err == nil && found {
			status.Cached = true
			status.Points = len(feeds.ApplyFilters(points, cfg.ToFeed(), s.now()))
			status.LoadedAt, _ = s.store.LoadedAt(cfg.ID)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// CacheStats summarizes the feed cache, stale entries included
func (s *FeedService) CacheStats() cache.FeedCacheStats {
	return s.store.Stats()
}

func (s *FeedService) load(ctx context.Context, cfg config.FeedConfig, force bool) ([]routing.AvoidancePoint, FeedStatus) {
	feed := cfg.ToFeed()
	status := FeedStatus{ID: cfg.ID, Name: cfg.Name, Kind: cfg.Kind}

	raw, found, err := s.store.Get(cfg.ID)
	if err != nil {
		logging.Warnw(ctx, "Ignoring unreadable feed cache entry", "feed", cfg.ID, "error", err)
	}

	if found && !force {
		status.Cached = true
		status.LoadedAt, _ = s.store.LoadedAt(cfg.ID)
	} else {
		start := time.Now()
		raw, err = s.loader.Load(ctx, feed)
		if err != nil {
			s.metrics.IncFeedErrors(cfg.ID)
			logging.Warnw(ctx, "Failed to load feed", "feed", cfg.ID, "kind", cfg.Kind, "error", err)
			status.Error = err.Error()
			return nil, status
		}
		if err := s.store.Set(cfg.ID, raw, s.ttl); err != nil {
			logging.Warnw(ctx, "Failed to cache feed", "feed", cfg.ID, "error", err)
		}
		status.LoadedAt = s.now()
		logging.Infow(ctx, "Feed loaded",
			"feed", cfg.ID, "kind", cfg.Kind, "points", len(raw), "duration", time.Since(start))
	}

	points := feeds.ApplyFilters(raw, feed, s.now())
	status.Points = len(points)
	s.metrics.SetFeedPoints(cfg.ID, len(points))
	return points, status
}
