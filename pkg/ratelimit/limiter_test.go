package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiterRejectsOverBudget(t *testing.T) {
	clock := newStubClock()
	l := NewLimiter(LimiterConfig{MaxRequests: 5, Window: time.Minute}).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		if !l.Check("conn-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Check("conn-1") {
		t.Error("6th request within window should be rejected")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	clock := newStubClock()
	l := NewLimiter(LimiterConfig{MaxRequests: 3, Window: time.Minute}).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		l.Check("conn-1")
	}
	if l.Check("conn-1") {
		t.Fatal("expected rejection at budget")
	}

	clock.Advance(61 * time.Second)
	if !l.Check("conn-1") {
		t.Error("request after window elapsed should be allowed")
	}
}

func TestLimiterIsolatesConnections(t *testing.T) {
	clock := newStubClock()
	l := NewLimiter(LimiterConfig{MaxRequests: 1, Window: time.Minute}).WithClock(clock.Now)

	if !l.Check("conn-1") {
		t.Fatal("conn-1 first request should pass")
	}
	if !l.Check("conn-2") {
		t.Error("conn-2 must have its own budget")
	}
}

func TestLimiterRejectedRequestsNotRecorded(t *testing.T) {
	clock := newStubClock()
	l := NewLimiter(LimiterConfig{MaxRequests: 2, Window: time.Minute}).WithClock(clock.Now)

	l.Check("conn-1")
	clock.Advance(30 * time.Second)
	l.Check("conn-1")

	// Hammering while rejected must not extend the penalty
	for i := 0; i < 10; i++ {
		l.Check("conn-1")
	}

	clock.Advance(31 * time.Second)
	if !l.Check("conn-1") {
		t.Error("first stamp expired; request should be allowed")
	}
}

func TestLimiterSweepReclaimsIdleConnections(t *testing.T) {
	clock := newStubClock()
	l := NewLimiter(LimiterConfig{MaxRequests: 5, Window: time.Minute, SweepInterval: time.Minute}).WithClock(clock.Now)

	l.Check("conn-1")
	l.Check("conn-2")
	if l.Len() != 2 {
		t.Fatalf("expected 2 tracked connections, got %d", l.Len())
	}

	clock.Advance(2 * time.Minute)
	l.sweep()
	if l.Len() != 0 {
		t.Errorf("expected sweep to reclaim idle entries, got %d", l.Len())
	}
}

func TestLimiterRemove(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxRequests: 1, Window: time.Minute})
	l.Check("conn-1")
	l.Remove("conn-1")
	if !l.Check("conn-1") {
		t.Error("budget should reset after Remove")
	}
}

func TestLimiterConcurrentChecks(t *testing.T) {
	l := NewLimiter(LimiterConfig{MaxRequests: 100, Window: time.Minute})

	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if l.Check("shared") {
					allowed[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	if total != 100 {
		t.Errorf("expected exactly 100 allowed requests, got %d", total)
	}
}
