package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type capture struct {
	mu    sync.Mutex
	calls []string
}

func (c *capture) sink(connID, key string, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, connID+"/"+key+"="+payload)
}

func (c *capture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func TestCanEmitGatesByInterval(t *testing.T) {
	clock := newStubClock()
	th := NewThrottler[string](ThrottlerConfig{MinInterval: time.Second, MaxBurst: 4}, func(string, string, string) {}).WithClock(clock.Now)

	if !th.CanEmit("conn-1", "power_update") {
		t.Fatal("first emit should pass")
	}
	if th.CanEmit("conn-1", "power_update") {
		t.Error("second emit within interval should be suppressed")
	}

	clock.Advance(time.Second)
	if !th.CanEmit("conn-1", "power_update") {
		t.Error("emit after interval should pass")
	}
}

func TestCanEmitKeysAreIndependent(t *testing.T) {
	clock := newStubClock()
	th := NewThrottler[string](ThrottlerConfig{MinInterval: time.Second, MaxBurst: 4}, func(string, string, string) {}).WithClock(clock.Now)

	th.CanEmit("conn-1", "power_update")
	if !th.CanEmit("conn-1", "voltage_update") {
		t.Error("different keys must not share the gate")
	}
	if !th.CanEmit("conn-2", "power_update") {
		t.Error("different connections must not share the gate")
	}
}

func TestOfferCoalescesToNewestPayload(t *testing.T) {
	clock := newStubClock()
	cap := &capture{}
	th := NewThrottler[string](ThrottlerConfig{MinInterval: time.Second, MaxBurst: 4}, cap.sink).WithClock(clock.Now)

	if !th.Offer("conn-1", "power_update", "v1") {
		t.Fatal("first offer should emit synchronously")
	}

	// Suppressed updates overwrite each other
	th.Offer("conn-1", "power_update", "v2")
	th.Offer("conn-1", "power_update", "v3")
	th.Offer("conn-1", "power_update", "v4")

	th.Flush()
	if got := cap.snapshot(); len(got) != 1 {
		t.Fatalf("flush before interval should deliver nothing, got %v", got)
	}

	clock.Advance(time.Second)
	th.Flush()

	got := cap.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected exactly one coalesced delivery, got %v", got)
	}
	if got[1] != "conn-1/power_update=v4" {
		t.Errorf("expected newest pending payload, got %s", got[1])
	}
}

func TestOfferDropsBeyondBurstBudget(t *testing.T) {
	clock := newStubClock()
	cap := &capture{}
	th := NewThrottler[string](ThrottlerConfig{MinInterval: time.Second, MaxBurst: 2}, cap.sink).WithClock(clock.Now)

	th.Offer("conn-1", "k1", "a")
	th.Offer("conn-1", "k2", "b")
	if th.Offer("conn-1", "k3", "c") {
		t.Error("third distinct key should exceed the burst budget")
	}

	clock.Advance(time.Second)
	th.Flush()
	for _, call := range cap.snapshot() {
		if call == "conn-1/k3=c" {
			t.Error("dropped payload must not surface on flush")
		}
	}
}

func TestThrottlerRemoveDropsPending(t *testing.T) {
	clock := newStubClock()
	cap := &capture{}
	th := NewThrottler[string](ThrottlerConfig{MinInterval: time.Second, MaxBurst: 4}, cap.sink).WithClock(clock.Now)

	th.Offer("conn-1", "power_update", "v1")
	th.Offer("conn-1", "power_update", "v2")
	th.Remove("conn-1")

	clock.Advance(time.Second)
	th.Flush()

	if got := cap.snapshot(); len(got) != 1 {
		t.Errorf("pending payload of removed connection must not flush, got %v", got)
	}
}
