// Package event defines the typed payloads flowing through the
// distribution fabric: outbound events, alert severities, device readings,
// hardware frames, and the inbound client envelope
package event

import (
	"encoding/json"
	"time"
)

// Outbound event names (server to subscriber)
const (
	Connected     = "connected"
	RoomJoined    = "room_joined"
	RoomLeft      = "room_left"
	VoltageUpdate = "voltage_update"
	CurrentUpdate = "current_update"
	PowerUpdate   = "power_update"
	SensorUpdate  = "sensor_update"
	RelayUpdate   = "relay_update"
	MetricsUpdate = "metrics_update"
	Alert         = "alert"
	CommandResult = "command_result"
	Notification  = "notification"
)

// Severity grades alert events
type Severity string

const (
	// SeverityLow is informational
	SeverityLow Severity = "low"
	// SeverityMedium warrants attention
	SeverityMedium Severity = "medium"
	// SeverityHigh warrants prompt action
	SeverityHigh Severity = "high"
	// SeverityCritical is life-safety adjacent and bypasses visibility lists
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is a known grade
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Event is one typed, timestamped payload in the fabric. Events are
// immutable once constructed: authorization filtering produces a new
// redacted copy via Redacted, never an in-place edit.
type Event struct {
	// Name is the outbound event name
	Name string
	// Timestamp is when the event was constructed
	Timestamp time.Time
	// DeviceID is the originating device, if any
	DeviceID string
	// Severity is set for alert events
	Severity Severity
	// VisibleToRoles is the explicit role visibility list; empty means
	// ownership rules alone decide
	VisibleToRoles []string
	// OwnerCustomerID is the owning customer scope, if any
	OwnerCustomerID string
	// OwnerOrganizationID is the owning organization scope, if any
	OwnerOrganizationID string
	// Payload is the event body. Treated as read-only after construction.
	Payload map[string]any
}

// New constructs an event stamped with the current time
func New(name string, payload map[string]any) Event {
	return Event{
		Name:      name,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Redacted returns a copy of the event whose payload omits the given keys.
// The original event is never mutated.
func (e Event) Redacted(dropKeys ...string) Event {
	redacted := e
	redacted.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		redacted.Payload[k] = v
	}
	for _, k := range dropKeys {
		delete(redacted.Payload, k)
	}
	return redacted
}

// Envelope is the wire form of every server-to-subscriber message
type Envelope struct {
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Encode marshals the event into its wire envelope
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(Envelope{
		Event:     e.Name,
		Timestamp: e.Timestamp.UnixMilli(),
		Payload:   e.Payload,
	})
}

// Reading is one normalized measurement snapshot from a device
type Reading struct {
	Voltage     float64         `json:"voltage"`
	Current     float64         `json:"current"`
	ActivePower float64         `json:"activePower"`
	Energy      float64         `json:"energy"`
	Cost        float64         `json:"cost"`
	Uptime      int64           `json:"uptime"`
	Relays      map[string]bool `json:"relays,omitempty"`
	At          time.Time       `json:"at"`
}
