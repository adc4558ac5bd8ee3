package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/akupila/raindrops/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// FetchFunc performs the external call for a request key.
type FetchFunc func(ctx context.Context, key string) ([]byte, error)

// Options wires the collaborators of a RequestCache.
type Options struct {
	Store   EntryStore
	Fetch   FetchFunc
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// Now overrides the clock used for entry timestamps and freshness checks.
	Now func() time.Time
}

// RequestCache deduplicates calls to a rate-limited upstream. A key is fetched
// at most once per minimum interval and at most once concurrently.
type RequestCache struct {
	store   EntryStore
	fetch   FetchFunc
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	group singleflight.Group
}

type fetchResult struct {
	body []byte
	hit  bool
}

// NewRequestCache validates options and falls back to an in-memory store.
func NewRequestCache(opts Options) (*RequestCache, error) {
	if opts.Fetch == nil {
		return nil, errors.New("cache: fetch function required")
	}
	store := opts.Store
	if store == nil {
		store = NewMemory()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &RequestCache{
		store:   store,
		fetch:   opts.Fetch,
		logger:  logger.With(slog.String("agent", "request_cache")),
		metrics: opts.Metrics,
		now:     now,
	}, nil
}

// Fetch returns the body for key and whether it came from the stored entry.
// An entry younger than minInterval is served without an external call.
// Otherwise one refresh runs per key; concurrent callers wait for and share
// it. The refresh is detached from ctx so a caller that gives up does not
// abort it. A failed refresh leaves the stored entry untouched.
func (c *RequestCache) Fetch(ctx context.Context, key string, minInterval time.Duration) ([]byte, bool, error) {
	start := time.Now()
	if body, ok := c.fresh(ctx, key, minInterval); ok {
		c.metrics.ObserveFetch(metrics.FetchHit, time.Since(start))
		return body, true, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.refresh(detached, key, minInterval)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.metrics.ObserveFetch(metrics.FetchError, time.Since(start))
			return nil, false, res.Err
		}
		out := res.Val.(fetchResult)
		outcome := metrics.FetchMiss
		if out.hit {
			outcome = metrics.FetchHit
		}
		c.metrics.ObserveFetch(outcome, time.Since(start))
		return append([]byte(nil), out.body...), out.hit, nil
	}
}

// Size reports the number of stored entries.
func (c *RequestCache) Size(ctx context.Context) (int64, error) {
	return c.store.Size(ctx)
}

// Close releases the underlying store.
func (c *RequestCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

// refresh runs inside the flight for key. A panicking fetch is reported as
// an error to every waiter instead of crashing the process.
func (c *RequestCache) refresh(ctx context.Context, key string, minInterval time.Duration) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request cache fetch panicked", slog.String("key", redactKey(key)), slog.Any("panic", r))
			res, err = nil, fmt.Errorf("cache: fetch panicked: %v", r)
		}
	}()

	// Another caller may have completed a refresh between our freshness
	// check and acquiring the flight.
	if body, ok := c.fresh(ctx, key, minInterval); ok {
		return fetchResult{body: body, hit: true}, nil
	}
	body, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	entry := Entry{Key: key, FetchedAt: c.now(), Body: body}
	if err := c.store.Store(ctx, key, entry); err != nil {
		c.logger.Warn("request cache store failed", slog.String("key", redactKey(key)), slog.Any("error", err))
	}
	return fetchResult{body: body}, nil
}

func (c *RequestCache) fresh(ctx context.Context, key string, minInterval time.Duration) ([]byte, bool) {
	entry, ok, err := c.store.Lookup(ctx, key)
	if err != nil {
		c.logger.Warn("request cache lookup failed, treating as miss", slog.String("key", redactKey(key)), slog.Any("error", err))
		return nil, false
	}
	if !ok || minInterval <= 0 {
		return nil, false
	}
	if c.now().Sub(entry.FetchedAt) >= minInterval {
		return nil, false
	}
	return entry.Body, true
}

// redactKey keeps credentials embedded in upstream URLs out of the logs.
func redactKey(key string) string {
	const keep = 24
	if len(key) <= keep {
		return key
	}
	return key[:keep] + "..."
}
