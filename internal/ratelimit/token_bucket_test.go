package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucketAllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatal("initial burst should succeed")
	}
	if b.Allow(1) {
		t.Fatal("bucket should be empty")
	}

	clk.Advance(200 * time.Millisecond) // one token at 5 tokens/sec
	if !b.Allow(1) {
		t.Fatal("expected refill after advance")
	}
	if b.Allow(1) {
		t.Fatal("expected exactly one refilled token")
	}
}

func TestTokenBucketClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatal("expected initial token")
	}
	clk.Advance(10 * time.Second)
	if !b.Allow(1) {
		t.Fatal("expected refill up to capacity")
	}
	if b.Allow(1) {
		t.Fatal("expected capacity clamp")
	}
}

func TestTokenBucketClockGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 2, 1)

	if !b.Allow(2) {
		t.Fatal("initial tokens missing")
	}
	clk.Advance(-50 * time.Second)
	if b.Allow(1) {
		t.Fatal("backwards clock must not refill")
	}
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatal("forward progress after re-anchor should refill")
	}
}
