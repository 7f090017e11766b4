package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeMetrics struct {
	mu      sync.Mutex
	refresh int
	errors  int
}

func (m *fakeMetrics) ObserveRefresh(_ string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh++
}

func (m *fakeMetrics) IncRefreshError(_ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func TestValueCachesUntilTTL(t *testing.T) {
	calls := 0
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewValue("flags", time.Minute, func(context.Context) (int, error) {
		calls++
		return calls, nil
	}, nil).WithClock(clk.Now)

	for i := 0; i < 3; i++ {
		v, err := c.Get(context.Background())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if v != 1 {
			t.Fatalf("expected cached value 1, got %d", v)
		}
	}

	clk.now = clk.now.Add(time.Minute)
	v, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected reload after ttl, got %d", v)
	}
}

func TestValueInvalidateForcesReload(t *testing.T) {
	calls := 0
	c := NewValue("tiers", time.Hour, func(context.Context) (int, error) {
		calls++
		return calls, nil
	}, nil)

	if _, err := c.Get(context.Background()); err != nil {
		t.Fatalf("get: %v", err)
	}
	c.Invalidate()
	v, err := c.Get(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 2 {
		t.Fatalf("expected reload after invalidate, got %d", v)
	}
	if c.LastRefresh().IsZero() {
		t.Fatalf("expected last refresh to be set")
	}
}

func TestValueDoesNotCacheErrors(t *testing.T) {
	metrics := &fakeMetrics{}
	fail := true
	c := NewValue("flags", time.Hour, func(context.Context) (string, error) {
		if fail {
			return "", errors.New("boom")
		}
		return "ok", nil
	}, metrics)

	if _, err := c.Get(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	fail = false
	v, err := c.Get(context.Background())
	if err != nil || v != "ok" {
		t.Fatalf("expected recovery, got %q %v", v, err)
	}
	if metrics.errors != 1 || metrics.refresh != 1 {
		t.Fatalf("unexpected metrics: refresh=%d errors=%d", metrics.refresh, metrics.errors)
	}
}

func TestValueZeroTTLAlwaysLoads(t *testing.T) {
	calls := 0
	c := NewValue("flags", 0, func(context.Context) (int, error) {
		calls++
		return calls, nil
	}, nil)
	c.Get(context.Background())
	c.Get(context.Background())
	if calls != 2 {
		t.Fatalf("expected 2 loads, got %d", calls)
	}
}
