package breaker

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electricautomaticchile/Websocket-api/errors"
)

// fakeClock lets tests drive the open timeout without sleeping
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
	}
}

var errBoom = stderrors.New("boom")

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("serial-write", testConfig(), WithClock(clock.Now))

	failN(b, 4)
	assert.Equal(t, StateClosed, b.State())

	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestOpenRejectsWithoutInvokingFn(t *testing.T) {
	clock := newFakeClock()
	b := New("serial-write", testConfig(), WithClock(clock.Now))
	failN(b, 5)

	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.False(t, invoked, "protected function must never run while open")
	assert.Equal(t, int64(1), b.GetStats().TotalRejected)
}

func TestHalfOpenAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New("serial-write", testConfig(), WithClock(clock.Now))
	failN(b, 5)

	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("serial-write", testConfig(), WithClock(clock.Now))
	failN(b, 5)
	clock.Advance(30 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())

	// The reopened window starts from the probe failure, not the first open
	stats := b.GetStats()
	assert.Equal(t, clock.Now().Add(30*time.Second), stats.NextAttemptAt)
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New("serial-write", testConfig(), WithClock(clock.Now))
	failN(b, 5)
	clock.Advance(30 * time.Second)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestClosedCountersDecayAfterResetTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New("serial-write", testConfig(), WithClock(clock.Now))

	failN(b, 4)
	assert.Equal(t, 4, b.GetStats().ConsecutiveFailures)

	clock.Advance(61 * time.Second)
	assert.Equal(t, 0, b.GetStats().ConsecutiveFailures)

	// The historical burst no longer counts toward opening
	failN(b, 4)
	assert.Equal(t, StateClosed, b.State())
}

func TestExecuteWithResult(t *testing.T) {
	b := New("upstream-api", testConfig())

	got, err := ExecuteWithResult(b, func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = ExecuteWithResult(b, func() (string, error) {
		return "", errBoom
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestExecuteWithFallbackOnlyOnCircuitOpen(t *testing.T) {
	clock := newFakeClock()
	b := New("upstream-api", testConfig(), WithClock(clock.Now))

	// Real failures propagate, fallback untouched
	fallbackCalls := 0
	_, err := ExecuteWithFallback(b,
		func() (int, error) { return 0, errBoom },
		func() (int, error) { fallbackCalls++; return -1, nil },
	)
	assert.ErrorIs(t, err, errBoom)
	assert.Zero(t, fallbackCalls)

	// Circuit-open rejection routes to the fallback
	failN(b, 5)
	got, err := ExecuteWithFallback(b,
		func() (int, error) { return 42, nil },
		func() (int, error) { fallbackCalls++; return -1, nil },
	)
	require.NoError(t, err)
	assert.Equal(t, -1, got)
	assert.Equal(t, 1, fallbackCalls)
}

func TestForceOpenLatchesUntilReset(t *testing.T) {
	clock := newFakeClock()
	b := New("serial-write", testConfig(), WithClock(clock.Now))

	b.ForceOpen()
	clock.Advance(time.Hour)
	assert.Equal(t, StateOpen, b.State(), "forced open must not auto-probe")

	err := b.Execute(func() error { return nil })
	assert.True(t, errors.IsCircuitOpen(err))

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(func() error { return nil }))
}

func TestForceClose(t *testing.T) {
	clock := newFakeClock()
	b := New("serial-write", testConfig(), WithClock(clock.Now))
	failN(b, 5)
	require.Equal(t, StateOpen, b.State())

	b.ForceClose()
	assert.Equal(t, StateClosed, b.State())
}

func TestListenerSeesTransitions(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var changes []StateChange

	b := New("serial-write", testConfig(),
		WithClock(clock.Now),
		WithListener(func(c StateChange) {
			mu.Lock()
			changes = append(changes, c)
			mu.Unlock()
		}),
	)

	failN(b, 5)
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Execute(func() error { return nil }))
	require.NoError(t, b.Execute(func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.Equal(t, StateClosed, changes[0].From)
	assert.Equal(t, StateOpen, changes[0].To)
	assert.Equal(t, StateHalfOpen, changes[1].From)
	assert.Equal(t, StateClosed, changes[1].To)
}

func TestConcurrentExecute(t *testing.T) {
	b := New("serial-write", Config{FailureThreshold: 1000, SuccessThreshold: 2, Timeout: time.Second, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = b.Execute(func() error {
					if n%2 == 0 {
						return errBoom
					}
					return nil
				})
			}
		}(i)
	}
	wg.Wait()

	stats := b.GetStats()
	assert.Equal(t, int64(1000), stats.TotalCalls)
	assert.Equal(t, int64(500), stats.TotalFailures)
	assert.Equal(t, int64(500), stats.TotalSuccesses)
}
