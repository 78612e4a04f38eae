package hardware

import (
	"context"
	"sync"
	"time"

	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/permission"
)

// Directory resolves device ownership against an external device and
// customer directory. Unknown devices are registered on first sight.
type Directory interface {
	LookupOrCreate(ctx context.Context, deviceID, customerID string) (permission.DeviceOwnership, error)
}

// DirectoryFunc adapts a function to the Directory interface
type DirectoryFunc func(ctx context.Context, deviceID, customerID string) (permission.DeviceOwnership, error)

// LookupOrCreate implements Directory
func (f DirectoryFunc) LookupOrCreate(ctx context.Context, deviceID, customerID string) (permission.DeviceOwnership, error) {
	return f(ctx, deviceID, customerID)
}

// NullDirectory trusts the customer id carried in the frame. Used when no
// external directory is configured.
func NullDirectory() Directory {
	return DirectoryFunc(func(_ context.Context, deviceID, customerID string) (permission.DeviceOwnership, error) {
		return permission.DeviceOwnership{DeviceID: deviceID, CustomerID: customerID}, nil
	})
}

// DeviceState is the in-memory record of one tracked device
type DeviceState struct {
	Ownership   permission.DeviceOwnership
	LastReading event.Reading
	FirstSeen   time.Time
	LastSeen    time.Time
}

// DeviceRegistry maps external device ids to ownership and last-known
// readings. Safe for concurrent use.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceState
}

// NewDeviceRegistry creates an empty device registry
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[string]*DeviceState)}
}

// Register records a device; a second registration keeps the original
// first-seen time
func (d *DeviceRegistry) Register(ownership permission.DeviceOwnership) *DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if state, exists := d.devices[ownership.DeviceID]; exists {
		return state
	}
	state := &DeviceState{
		Ownership: ownership,
		FirstSeen: time.Now(),
	}
	d.devices[ownership.DeviceID] = state
	return state
}

// UpdateReading stores the latest reading for a tracked device and returns
// the previous one
func (d *DeviceRegistry) UpdateReading(deviceID string, reading event.Reading) (event.Reading, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, exists := d.devices[deviceID]
	if !exists {
		return event.Reading{}, false
	}
	previous := state.LastReading
	state.LastReading = reading
	state.LastSeen = reading.At
	return previous, true
}

// Ownership resolves the ownership of a tracked device
func (d *DeviceRegistry) Ownership(deviceID string) (permission.DeviceOwnership, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state, exists := d.devices[deviceID]
	if !exists {
		return permission.DeviceOwnership{}, false
	}
	return state.Ownership, true
}

// Known reports whether the device has been seen
func (d *DeviceRegistry) Known(deviceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.devices[deviceID]
	return exists
}

// Snapshot returns a copy of every tracked device state, for the drain
// step and the stats endpoint
func (d *DeviceRegistry) Snapshot() []DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DeviceState, 0, len(d.devices))
	for _, state := range d.devices {
		out = append(out, *state)
	}
	return out
}

// Len returns the number of tracked devices
func (d *DeviceRegistry) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}
