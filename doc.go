// Package websocketapi is the real-time event-distribution server of the
// energy-monitoring platform. It fans hardware telemetry and platform
// events out to websocket subscribers, scoped by tenant and role.
//
// # Architecture
//
// Events flow in from two edges and out through one:
//
//	┌──────────────┐   frames    ┌──────────────┐
//	│ hardware link│────────────▶│              │
//	└──────────────┘             │   registry   │   envelopes   ┌─────────────┐
//	┌──────────────┐  requests   │ (rooms, fan- │──────────────▶│ subscribers │
//	│ HTTP gateway │────────────▶│  out, NATS   │               └─────────────┘
//	└──────────────┘             │   mirror)    │
//	┌──────────────┐   kinds     │              │
//	│  websockets  │────────────▶└──────────────┘
//	└──────────────┘
//
// The hardware package supervises the serial link to metering devices,
// turning newline-delimited frames into typed events. The handlers
// package translates inbound websocket kinds and HTTP ingestion requests
// into room publishes, enforcing command tiers and ownership. The
// registry holds connections and rooms, applies per-subscriber visibility
// filtering and update coalescing, and mirrors room traffic onto the NATS
// backplane for other instances.
//
// Roles form a strict order, operator over organization over customer.
// Authorization happens twice: once when a subscriber joins a room, and
// again per event via visibility rules, with critical alerts bypassing
// the latter.
//
// The binary lives in cmd/websocket-api.
package websocketapi
