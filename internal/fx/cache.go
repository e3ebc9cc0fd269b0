package fx

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched table is served before a refresh.
const DefaultTTL = 6 * time.Hour

// maxFailureBackoff caps how long a failed refresh suppresses the next one.
const maxFailureBackoff = 5 * time.Minute

// Snapshot persists the last good table outside the process.
type Snapshot interface {
	Save(ctx context.Context, t *Table) error
	Load(ctx context.Context) (*Table, error)
}

// CacheOption configures a RateCache.
type CacheOption func(*RateCache)

// WithTTL sets the refresh interval.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *RateCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithSnapshot adds a last-known-good store consulted when every source fails.
func WithSnapshot(s Snapshot) CacheOption {
	return func(c *RateCache) {
		c.snapshot = s
	}
}

// WithCacheClock sets the clock.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *RateCache) {
		c.now = now
	}
}

// RateCache serves a rate table and refreshes it once the TTL has passed.
// Concurrent callers share one in-flight refresh. A failed refresh keeps
// serving the previous table and holds off the next attempt for
// min(ttl, 5m).
type RateCache struct {
	source   Source
	snapshot Snapshot
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu       sync.RWMutex
	table    *Table
	loadedAt time.Time
	retryAt  time.Time
	lastErr  error
	group    singleflight.Group
}

// NewRateCache creates a RateCache over source.
func NewRateCache(source Source, opts ...CacheOption) *RateCache {
	c := &RateCache{
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
		log:    zap.L().With(zap.String("component", "fx.cache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns the cached table, refreshing it when stale. On refresh
// failure it returns the best table available (possibly empty, never nil)
// together with the refresh error; callers log the error and keep going.
func (c *RateCache) Current(ctx context.Context) (*Table, error) {
	if t, ok := c.fresh(); ok {
		return t, nil
	}
	if t, ok, err := c.backingOff(); ok {
		return t, err
	}

	v, err, _ := c.group.Do("rates", func() (any, error) {
		if t, ok := c.fresh(); ok {
			return t, nil
		}
		if t, ok, err := c.backingOff(); ok {
			return t, err
		}
		return c.refresh(ctx)
	})
	t, _ := v.(*Table)
	if t == nil {
		t = &Table{}
	}
	return t, err
}

// Invalidate forces the next Current call to refresh.
func (c *RateCache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.retryAt = time.Time{}
	c.mu.Unlock()
}

func (c *RateCache) fresh() (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.table == nil || c.loadedAt.IsZero() {
		return nil, false
	}
	return c.table, c.now().Sub(c.loadedAt) < c.ttl
}

// backingOff reports whether a recent failed refresh still suppresses
// fetching, returning the best table held and the failure that caused it.
func (c *RateCache) backingOff() (*Table, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.retryAt.IsZero() || !c.now().Before(c.retryAt) {
		return nil, false, nil
	}
	t := c.table
	if t == nil {
		t = &Table{}
	}
	return t, true, c.lastErr
}

func (c *RateCache) failureBackoff() time.Duration {
	return min(c.ttl, maxFailureBackoff)
}

func (c *RateCache) fail(err error) {
	c.mu.Lock()
	c.retryAt = c.now().Add(c.failureBackoff())
	c.lastErr = err
	c.mu.Unlock()
}

func (c *RateCache) refresh(ctx context.Context) (*Table, error) {
	t, err := c.source.Fetch(ctx)
	if err == nil {
		c.store(t)
		if c.snapshot != nil {
			if serr := c.snapshot.Save(ctx, t); serr != nil {
				c.log.Warn("save rate snapshot failed", zap.Error(serr))
			}
		}
		c.log.Info("rate table refreshed", zap.String("source", t.Source), zap.Int("rates", len(t.Rates)))
		return t, nil
	}

	fetchErr := eris.Wrap(err, "fx: refresh rates")
	c.fail(fetchErr)

	c.mu.RLock()
	stale := c.table
	c.mu.RUnlock()
	if stale != nil {
		c.log.Warn("rate refresh failed, serving stale table", zap.Time("fetched_at", stale.FetchedAt), zap.Error(err))
		return stale, fetchErr
	}

	if c.snapshot != nil {
		snap, serr := c.snapshot.Load(ctx)
		if serr == nil && !snap.Empty() {
			c.mu.Lock()
			c.table = snap
			c.mu.Unlock()
			c.log.Warn("rate refresh failed, serving snapshot", zap.Time("fetched_at", snap.FetchedAt), zap.Error(err))
			return snap, fetchErr
		}
		if serr != nil {
			c.log.Warn("load rate snapshot failed", zap.Error(serr))
		}
	}

	c.log.Warn("rate refresh failed, no table available", zap.Error(err))
	return &Table{}, fetchErr
}

func (c *RateCache) store(t *Table) {
	c.mu.Lock()
	c.table = t
	c.loadedAt = c.now()
	c.retryAt = time.Time{}
	c.lastErr = nil
	c.mu.Unlock()
}
