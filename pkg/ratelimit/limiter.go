// Package ratelimit provides per-connection request budgeting and
// event-emission pacing for the fan-out path
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LimiterConfig configures a sliding-window rate limiter
type LimiterConfig struct {
	// MaxRequests is the budget per window; the request that would make the
	// in-window count exceed this is rejected
	MaxRequests int `yaml:"max_requests"`
	// Window is the sliding window duration
	Window time.Duration `yaml:"window"`
	// SweepInterval controls how often expired entries are reclaimed.
	// Expiry is enforced on every Check regardless; the sweep only bounds
	// memory for idle connections.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultLimiterConfig returns the default per-connection request budget
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		MaxRequests:   60,
		Window:        time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

// Limiter tracks per-connection request timestamps in a sliding window.
// Expired entries are swept on a periodic timer rather than on every check
// so worst-case check latency stays bounded.
type Limiter struct {
	cfg LimiterConfig
	now func() time.Time

	mu      sync.Mutex
	ledger  map[string][]time.Time
	stopped chan struct{}
	once    sync.Once
}

// NewLimiter creates a sliding-window rate limiter
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultLimiterConfig().MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultLimiterConfig().Window
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultLimiterConfig().SweepInterval
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		ledger:  make(map[string][]time.Time),
		stopped: make(chan struct{}),
	}
}

// WithClock overrides the time source for tests
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check records one request for the connection and reports whether it is
// within budget. The rejected request is not recorded, so a rejected burst
// does not extend the penalty window.
func (l *Limiter) Check(connID string) bool {
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.ledger[connID]

	// Drop entries that slid out of the window for this connection only;
	// global reclamation happens on the sweep timer.
	keep := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}

	if len(keep) >= l.cfg.MaxRequests {
		l.ledger[connID] = keep
		return false
	}

	l.ledger[connID] = append(keep, now)
	return true
}

// Remove drops all state for a connection, called on disconnect
func (l *Limiter) Remove(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ledger, connID)
}

// Len returns the number of tracked connections
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ledger)
}

// Start launches the periodic sweeper. It returns immediately; the sweeper
// stops when ctx is cancelled or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopped:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopped) })
}

// sweep reclaims ledger entries whose every timestamp has expired
func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for connID, stamps := range l.ledger {
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.ledger, connID)
		}
	}
}
