package cache

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dpup/detour/server/internal/lib/routing"
)

const feedKeyPrefix = "feed:"

// FeedStore caches the raw, unfiltered points of each feed. Filters such as
// the iceout age cutoff run on every read so that a cached payload never
// serves reports that have since aged out.
type FeedStore struct {
	cache *Cache
}

// NewFeedStore creates a feed store backed by the cache
func NewFeedStore(cache *Cache) *FeedStore {
	return &FeedStore{cache: cache}
}

// Get returns the cached points of a feed, or false when missing or expired
func (s *FeedStore) Get(feedID string) ([]routing.AvoidancePoint, bool, error) {
	var points []routing.AvoidancePoint
	found, err := s.cache.Get(feedKey(feedID), &points)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read feed %s from cache: %w", feedID, err)
	}
	if !found {
		return nil, false, nil
	}
	if points == nil {
		points = []routing.AvoidancePoint{}
	}
	return points, true, nil
}

// Set caches the points of a feed for ttl
func (s *FeedStore) Set(feedID string, points []routing.AvoidancePoint, ttl time.Duration) error {
	return s.cache.Set(feedKey(feedID), points, ttl, feedID)
}

// LoadedAt returns when a feed was last stored
func (s *FeedStore) LoadedAt(feedID string) (time.Time, bool) {
	entry, found, _ := s.cache.GetWithMetadata(feedKey(feedID), nil)
	if !found {
		return time.Time{}, false
	}
	return entry.CreatedAt, true
}

// Clear drops the cached points of the given feeds, or of every feed when
// none are given. It returns the number of feeds dropped.
func (s *FeedStore) Clear(feedIDs ...string) int {
	if len(feedIDs) == 0 {
		return s.cache.DeletePrefix(feedKeyPrefix)
	}

	removed := 0
	for _, id := range feedIDs {
		if _, found, _ := s.cache.GetWithMetadata(feedKey(id), nil); found {
			s.cache.Delete(feedKey(id))
			removed++
		}
	}
	return removed
}

// FeedIDs lists the feeds that currently have an entry, fresh or stale, in
// sorted order
func (s *FeedStore) FeedIDs() []string {
	ids := []string{}
	for _, key := range s.cache.Keys() {
		if id, ok := strings.CutPrefix(key, feedKeyPrefix); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// FeedCacheStats summarizes the entries behind the feed store. Stale entries
// stay counted until the periodic cleanup drops them.
type FeedCacheStats struct {
	CacheStats
	Feeds []string `json:"feeds"`
}

// Stats reports entry counts and the feeds that currently have an entry
func (s *FeedStore) Stats() FeedCacheStats {
	return FeedCacheStats{CacheStats: s.cache.Stats(), Feeds: s.FeedIDs()}
}

func feedKey(feedID string) string {
	return feedKeyPrefix + feedID
}
