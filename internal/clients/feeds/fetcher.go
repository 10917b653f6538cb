package feeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dpup/prefab/logging"
)

// HTTPDoer is the subset of *http.Client used for fetching feeds
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads feed payloads, retrying rate limits and server errors
// with exponential backoff. Sources without an http(s) scheme are read from
// the local filesystem.
type Fetcher struct {
	httpClient      HTTPDoer
	maxTries        uint
	initialInterval time.Duration
	maxBytes        int64
}

// NewFetcher creates a fetcher with default retry settings
func NewFetcher(doer HTTPDoer) *Fetcher {
	if doer == nil {
		doer = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{
		httpClient:      doer,
		maxTries:        4,
		initialInterval: 2 * time.Second,
		maxBytes:        256 << 20,
	}
}

// WithRetry returns a copy of f using the given retry settings
func (f *Fetcher) WithRetry(maxTries uint, initialInterval time.Duration) *Fetcher {
	c := *f
	c.maxTries = maxTries
	c.initialInterval = initialInterval
	return &c
}

// Fetch returns the payload at source
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]byte, error) {
	if !isRemote(source) {
		data, err := os.ReadFile(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to read feed file: %w", err)
		}
		return data, nil
	}

	return f.do(ctx, source, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	})
}

// PostForm submits an application/x-www-form-urlencoded body and returns the response payload
func (f *Fetcher) PostForm(ctx context.Context, endpoint, body string) ([]byte, error) {
	return f.do(ctx, endpoint, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

func (f *Fetcher) do(ctx context.Context, target string, newRequest func() (*http.Request, error)) ([]byte, error) {
	ctx = logging.EnsureLogger(ctx)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.Multiplier = 3

	operation := func() ([]byte, error) {
		req, err := newRequest()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("User-Agent", "detour-server")

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("feed HTTP %d from %s", resp.StatusCode, target)
		}
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, backoff.Permanent(fmt.Errorf("feed HTTP %d from %s: %s", resp.StatusCode, target, strings.TrimSpace(string(body))))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return data, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Warnw(ctx, "Feed fetch failed, retrying", "url", target, "error", err, "retry_in", next)
		}),
	)
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}
