package ratelimit

import (
	"context"
	"sync"
	"time"
)

// ThrottlerConfig configures a coalescing emission throttler
type ThrottlerConfig struct {
	// MinInterval is the minimum gap between emissions for one (connection, key)
	MinInterval time.Duration `yaml:"min_interval"`
	// MaxBurst bounds the number of distinct pending keys per connection;
	// beyond it, new keys are dropped rather than queued
	MaxBurst int `yaml:"max_burst"`
	// FlushInterval controls how often pending payloads are re-examined
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DefaultThrottlerConfig returns pacing defaults suitable for UI telemetry streams
func DefaultThrottlerConfig() ThrottlerConfig {
	return ThrottlerConfig{
		MinInterval:   time.Second,
		MaxBurst:      32,
		FlushInterval: 250 * time.Millisecond,
	}
}

// Sink receives coalesced payloads once their interval elapses
type Sink[T any] func(connID, key string, payload T)

type throttleEntry[T any] struct {
	lastEmit time.Time
	pending  *T // only the most recent suppressed payload is retained
}

// Throttler is a per-(connection, event-key) minimum-interval gate. The
// queued path coalesces: intermediate updates are overwritten and only the
// newest pending payload is flushed once the interval elapses, trading
// per-update fidelity for bounded memory.
type Throttler[T any] struct {
	cfg  ThrottlerConfig
	sink Sink[T]
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]*throttleEntry[T] // connID -> key -> entry
	stopped chan struct{}
	once    sync.Once
}

// NewThrottler creates a throttler that delivers deferred payloads to sink
func NewThrottler[T any](cfg ThrottlerConfig, sink Sink[T]) *Throttler[T] {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultThrottlerConfig().MinInterval
	}
	if cfg.MaxBurst <= 0 {
		cfg.MaxBurst = DefaultThrottlerConfig().MaxBurst
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultThrottlerConfig().FlushInterval
	}
	return &Throttler[T]{
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
		entries: make(map[string]map[string]*throttleEntry[T]),
		stopped: make(chan struct{}),
	}
}

// WithClock overrides the time source for tests
func (t *Throttler[T]) WithClock(now func() time.Time) *Throttler[T] {
	t.now = now
	return t
}

// CanEmit is the fire-and-forget gate: true if the (connection, key) pair
// has not emitted within MinInterval. A true result records the emission.
func (t *Throttler[T]) CanEmit(connID, key string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entry(connID, key)
	if entry == nil {
		return false // burst budget exceeded
	}
	if now.Sub(entry.lastEmit) < t.cfg.MinInterval {
		return false
	}
	entry.lastEmit = now
	return true
}

// Offer emits the payload immediately when the interval allows, otherwise
// coalesces it as the single pending payload for the key. Returns true when
// the payload was emitted synchronously.
func (t *Throttler[T]) Offer(connID, key string, payload T) bool {
	now := t.now()

	t.mu.Lock()
	entry := t.entry(connID, key)
	if entry == nil {
		t.mu.Unlock()
		return false // burst budget exceeded, drop
	}

	if now.Sub(entry.lastEmit) >= t.cfg.MinInterval {
		entry.lastEmit = now
		entry.pending = nil
		t.mu.Unlock()
		t.sink(connID, key, payload)
		return true
	}

	entry.pending = &payload
	t.mu.Unlock()
	return false
}

// entry returns the ledger entry for (connID, key), creating it when the
// per-connection burst budget allows. Caller must hold t.mu.
func (t *Throttler[T]) entry(connID, key string) *throttleEntry[T] {
	keys, ok := t.entries[connID]
	if !ok {
		keys = make(map[string]*throttleEntry[T])
		t.entries[connID] = keys
	}
	entry, ok := keys[key]
	if !ok {
		if len(keys) >= t.cfg.MaxBurst {
			return nil
		}
		entry = &throttleEntry[T]{}
		keys[key] = entry
	}
	return entry
}

// Flush delivers every pending payload whose interval has elapsed. Called
// from the flush loop; exported so tests can drive it deterministically.
func (t *Throttler[T]) Flush() {
	now := t.now()

	type delivery struct {
		connID, key string
		payload     T
	}
	var due []delivery

	t.mu.Lock()
	for connID, keys := range t.entries {
		for key, entry := range keys {
			if entry.pending != nil && now.Sub(entry.lastEmit) >= t.cfg.MinInterval {
				due = append(due, delivery{connID, key, *entry.pending})
				entry.pending = nil
				entry.lastEmit = now
			}
		}
	}
	t.mu.Unlock()

	// Deliver outside the lock; the sink may call back into the registry
	for _, d := range due {
		t.sink(d.connID, d.key, d.payload)
	}
}

// Remove drops all throttle state for a connection, called on disconnect
func (t *Throttler[T]) Remove(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, connID)
}

// Start launches the flush loop
func (t *Throttler[T]) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopped:
				return
			case <-ticker.C:
				t.Flush()
			}
		}
	}()
}

// Stop terminates the flush loop
func (t *Throttler[T]) Stop() {
	t.once.Do(func() { close(t.stopped) })
}
