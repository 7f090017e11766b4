package cache

import (
	"context"
	"sync"
	"time"
)

type Loader[T any] func(ctx context.Context) (T, error)

type RefreshMetrics interface {
	ObserveRefresh(cache string, duration time.Duration)
	IncRefreshError(cache string)
}

// Value caches a single loaded value for ttl. The owning write path calls
// Invalidate after it changes the source so the next Get reloads. A ttl of
// zero disables caching.
type Value[T any] struct {
	name    string
	ttl     time.Duration
	load    Loader[T]
	metrics RefreshMetrics
	now     func() time.Time

	mu          sync.Mutex
	value       T
	loaded      bool
	expires     time.Time
	lastRefresh time.Time
}

func NewValue[T any](name string, ttl time.Duration, load Loader[T], metrics RefreshMetrics) *Value[T] {
	return &Value[T]{
		name:    name,
		ttl:     ttl,
		load:    load,
		metrics: metrics,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (c *Value[T]) WithClock(now func() time.Time) *Value[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *Value[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && c.now().Before(c.expires) {
		return c.value, nil
	}

	start := c.now()
	value, err := c.load(ctx)
	if err != nil {
		if c.metrics != nil {
			c.metrics.IncRefreshError(c.name)
		}
		var zero T
		return zero, err
	}
	if c.metrics != nil {
		c.metrics.ObserveRefresh(c.name, c.now().Sub(start))
	}

	c.lastRefresh = c.now()
	if c.ttl > 0 {
		c.value = value
		c.loaded = true
		c.expires = c.lastRefresh.Add(c.ttl)
	}
	return value, nil
}

func (c *Value[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.loaded = false
	c.expires = time.Time{}
}

func (c *Value[T]) LastRefresh() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh
}
