package services

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"

	"github.com/dpup/detour/server/internal/config"
)

// PeriodicRefreshService reloads the enabled feeds on an interval so that
// route requests are served from a warm cache
type PeriodicRefreshService struct {
	feeds  *FeedService
	config *config.Config

	mu       sync.Mutex
	stopChan chan struct{}
	running  bool
	done     chan struct{}
}

// NewPeriodicRefreshService creates a new periodic refresh service
func NewPeriodicRefreshService(feedService *FeedService, cfg *config.Config) *PeriodicRefreshService {
	return &PeriodicRefreshService{
		feeds:  feedService,
		config: cfg,
	}
}

// StartPeriodicRefresh loads every enabled feed immediately and then again
// each cache.refresh_interval. A zero interval disables it.
func (p *PeriodicRefreshService) StartPeriodicRefresh(ctx context.Context) error {
	ctx = logging.EnsureLogger(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	interval := p.config.Cache.RefreshInterval
	if interval <= 0 {
		logging.Infow(ctx, "Periodic feed refresh disabled")
		return nil
	}

	p.running = true
	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})

	logging.Infow(ctx, "Starting periodic feed refresh", "interval", interval)
	go p.refreshLoop(ctx, interval, p.stopChan, p.done)
	return nil
}

// Stop halts the refresh loop and waits for an in-flight refresh to finish
func (p *PeriodicRefreshService) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	done := p.done
	p.mu.Unlock()

	<-done
}

// IsRunning returns whether periodic refresh is active
func (p *PeriodicRefreshService) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *PeriodicRefreshService) refreshLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Infow(ctx, "Periodic feed refresh stopping due to context cancellation")
			return
		case <-stop:
			logging.Infow(ctx, "Periodic feed refresh stopped")
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *PeriodicRefreshService) refresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			err, _ := errors.ParseStack(debug.Stack())
			skipFrames := 3
			numFrames := 5
			logging.Errorw(ctx, "Periodic feed refresh: recovered from panic",
				"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
		}
	}()

	refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	failed := 0
	statuses := p.feeds.Refresh(refreshCtx, p.config.EnabledFeeds())
	for _, s := range statuses {
		if s.Error != "" {
			failed++
		}
	}
	logging.Infow(ctx, "Periodic feed refresh completed", "feeds", len(statuses), "failed", failed)
}
