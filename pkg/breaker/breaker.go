// Package breaker provides a reusable three-state circuit breaker for
// isolating calls to failing dependencies
package breaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/electricautomaticchile/Websocket-api/errors"
	"github.com/electricautomaticchile/Websocket-api/metric"
)

// State represents the current state of a circuit breaker
type State int

const (
	// StateClosed allows calls through and counts failures
	StateClosed State = iota
	// StateOpen rejects every call without invoking the protected function
	StateOpen
	// StateHalfOpen allows probe calls through to test recovery
	StateHalfOpen
)

// String returns a string representation of the breaker state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config provides circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that closes it
	SuccessThreshold int
	// Timeout is how long the circuit stays open before allowing a probe
	Timeout time.Duration
	// ResetTimeout is how long of sustained closed operation clears stale failure counters
	ResetTimeout time.Duration
}

// DefaultConfig returns sensible defaults for protecting a hardware write path
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

// Stats is a point-in-time snapshot of breaker counters
type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	TotalCalls           int64
	TotalFailures        int64
	TotalSuccesses       int64
	TotalRejected        int64
	LastFailure          time.Time
	LastSuccess          time.Time
	OpenedAt             time.Time
	NextAttemptAt        time.Time
}

// StateChange describes a single observable transition
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Listener receives state change notifications. Listeners are invoked
// outside the breaker mutex; they must not call back into the breaker
// synchronously expecting a consistent snapshot.
type Listener func(StateChange)

// Breaker is a three-state circuit breaker. One instance protects one
// operation class; Execute may be called concurrently from any number of
// goroutines.
type Breaker struct {
	name string
	cfg  Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalCalls           int64
	totalFailures        int64
	totalSuccesses       int64
	totalRejected        int64
	lastFailure          time.Time
	lastSuccess          time.Time
	openedAt             time.Time
	nextAttemptAt        time.Time
	forcedOpen           bool

	listeners []Listener
	now       func() time.Time

	stateGauge prometheus.Gauge
}

// Option configures a Breaker
type Option func(*Breaker)

// WithListener registers a state change listener
func WithListener(l Listener) Option {
	return func(b *Breaker) {
		b.listeners = append(b.listeners, l)
	}
}

// WithClock overrides the time source, used by tests to drive the open
// timeout deterministically
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithMetricsRegistry registers a state gauge (0=closed, 1=open, 2=half-open)
// with the platform metrics registry
func WithMetricsRegistry(registry *metric.MetricsRegistry, name string) Option {
	return func(b *Breaker) {
		if registry == nil {
			return
		}
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "wsapi",
			Subsystem:   "breaker",
			Name:        "state",
			Help:        "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			ConstLabels: prometheus.Labels{"breaker": name},
		})
		if err := registry.RegisterCollector("breaker-"+name, "state", gauge); err == nil {
			b.stateGauge = gauge
		}
	}
}

// New creates a circuit breaker for one protected operation class
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}

	b := &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn under the protection of the breaker. While the circuit is
// open and before the next attempt time, fn is never invoked and
// errors.ErrCircuitOpen is returned.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	b.afterCall(err)
	return err
}

// ExecuteWithResult runs fn under breaker protection and returns its result.
// Breaker rejection is reported as errors.ErrCircuitOpen.
func ExecuteWithResult[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := b.beforeCall(); err != nil {
		return zero, err
	}

	result, err := fn()
	b.afterCall(err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// ExecuteWithFallback runs fn under breaker protection; if and only if the
// breaker rejects the call (circuit open), fallback is invoked instead.
// Every other error propagates unchanged so callers never mistake a real
// failure for degraded operation.
func ExecuteWithFallback[T any](b *Breaker, fn func() (T, error), fallback func() (T, error)) (T, error) {
	result, err := ExecuteWithResult(b, fn)
	if err != nil && errors.IsCircuitOpen(err) {
		return fallback()
	}
	return result, err
}

// Allow reports whether a call would currently be admitted, without
// recording anything. Useful for health reporting.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()
	return b.state != StateOpen
}

// beforeCall admits or rejects a call and counts it
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	b.maybeTransitionLocked()

	if b.state == StateOpen {
		b.totalRejected++
		b.mu.Unlock()
		return errors.Wrap(errors.ErrCircuitOpen, "Breaker", "Execute", b.name)
	}

	b.totalCalls++
	b.mu.Unlock()
	return nil
}

// afterCall records the outcome of an admitted call
func (b *Breaker) afterCall(err error) {
	var change *StateChange

	b.mu.Lock()
	if err != nil {
		change = b.recordFailureLocked()
	} else {
		change = b.recordSuccessLocked()
	}
	b.mu.Unlock()

	b.notify(change)
}

// maybeTransitionLocked applies time-based transitions: OPEN to HALF_OPEN
// once the open timeout elapses, and stale CLOSED counter decay after
// sustained healthy operation. Caller must hold b.mu.
func (b *Breaker) maybeTransitionLocked() {
	now := b.now()

	if b.state == StateOpen && !b.forcedOpen && !now.Before(b.nextAttemptAt) {
		b.setStateLocked(StateHalfOpen, now)
	}

	// A historical failure burst in CLOSED must not linger forever.
	if b.state == StateClosed && b.consecutiveFailures > 0 &&
		!b.lastFailure.IsZero() && now.Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.consecutiveFailures = 0
	}
}

func (b *Breaker) recordFailureLocked() *StateChange {
	now := b.now()
	b.totalFailures++
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.lastFailure = now

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			return b.openLocked(now)
		}
	case StateHalfOpen:
		// Fail fast back to protection on a single probe failure
		return b.openLocked(now)
	}
	return nil
}

func (b *Breaker) recordSuccessLocked() *StateChange {
	now := b.now()
	b.totalSuccesses++
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	b.lastSuccess = now

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		return b.setStateLocked(StateClosed, now)
	}
	return nil
}

// openLocked transitions to OPEN and schedules the next probe window
func (b *Breaker) openLocked(now time.Time) *StateChange {
	b.openedAt = now
	b.nextAttemptAt = now.Add(b.cfg.Timeout)
	return b.setStateLocked(StateOpen, now)
}

func (b *Breaker) setStateLocked(to State, at time.Time) *StateChange {
	if b.state == to {
		return nil
	}
	from := b.state
	b.state = to
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0

	if b.stateGauge != nil {
		b.stateGauge.Set(float64(to))
	}

	return &StateChange{Name: b.name, From: from, To: to, At: at}
}

func (b *Breaker) notify(change *StateChange) {
	if change == nil {
		return
	}
	for _, l := range b.listeners {
		l(*change)
	}
}

// State returns the current state, applying any pending time-based transition
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()
	return b.state
}

// GetStats returns a snapshot of the breaker counters
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionLocked()

	return Stats{
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalCalls:           b.totalCalls,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		TotalRejected:        b.totalRejected,
		LastFailure:          b.lastFailure,
		LastSuccess:          b.lastSuccess,
		OpenedAt:             b.openedAt,
		NextAttemptAt:        b.nextAttemptAt,
	}
}

// Reset returns the breaker to CLOSED and zeroes all counters, for
// operational override
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.forcedOpen = false
	change := b.setStateLocked(StateClosed, b.now())
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.totalCalls = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.totalRejected = 0
	b.lastFailure = time.Time{}
	b.lastSuccess = time.Time{}
	b.openedAt = time.Time{}
	b.nextAttemptAt = time.Time{}
	b.mu.Unlock()

	b.notify(change)
}

// ForceOpen latches the breaker open until Reset or ForceClose. The
// automatic OPEN to HALF_OPEN transition is suspended while forced.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.forcedOpen = true
	change := b.openLocked(b.now())
	b.mu.Unlock()

	b.notify(change)
}

// ForceClose returns the breaker to CLOSED regardless of failure history
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	b.forcedOpen = false
	change := b.setStateLocked(StateClosed, b.now())
	b.mu.Unlock()

	b.notify(change)
}
