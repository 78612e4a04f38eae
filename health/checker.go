package health

import (
	"time"

	"github.com/electricautomaticchile/Websocket-api/hardware"
	"github.com/electricautomaticchile/Websocket-api/natsclient"
	"github.com/electricautomaticchile/Websocket-api/pkg/breaker"
	"github.com/electricautomaticchile/Websocket-api/registry"
)

// Probe inspects one component and reports its current status
type Probe func() Status

// Checker runs registered probes on demand and assembles the liveness
// report. Probes run in registration order so the report is stable.
type Checker struct {
	startedAt time.Time
	names     []string
	probes    map[string]Probe
}

// Report is the body of the liveness endpoint
type Report struct {
	Status        string   `json:"status"`
	UptimeSeconds float64  `json:"uptimeSeconds"`
	Components    []Status `json:"components,omitempty"`
}

// NewChecker creates a checker with its uptime anchored at now
func NewChecker() *Checker {
	return &Checker{
		startedAt: time.Now(),
		probes:    make(map[string]Probe),
	}
}

// Register adds a probe under a component name; re-registering replaces it
func (c *Checker) Register(name string, probe Probe) {
	if _, exists := c.probes[name]; !exists {
		c.names = append(c.names, name)
	}
	c.probes[name] = probe
}

// Uptime reports how long the checker has been alive
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startedAt)
}

// Run executes every probe and aggregates the results
func (c *Checker) Run() Report {
	statuses := make([]Status, 0, len(c.names))
	for _, name := range c.names {
		statuses = append(statuses, c.probes[name]())
	}

	agg := Aggregate("websocket-api", statuses)
	return Report{
		Status:        agg.Status,
		UptimeSeconds: c.Uptime().Seconds(),
		Components:    statuses,
	}
}

// RegistryProbe reports subscriber and room counts. The registry itself
// cannot fail, so this probe is always healthy and exists for its detail.
func RegistryProbe(rooms *registry.Registry) Probe {
	return func() Status {
		stats := rooms.Stats()
		return NewHealthy("registry", "serving subscribers").WithDetails(map[string]any{
			"connections": stats.TotalConnections,
			"rooms":       stats.Rooms,
		})
	}
}

// LinkProbe reports the hardware link state: connected is healthy, a
// reconnecting link is degraded, an exhausted one is unhealthy
func LinkProbe(supervisor *hardware.Supervisor) Probe {
	return func() Status {
		state := supervisor.State()
		attempts := supervisor.ReconnectAttempts()
		details := map[string]any{
			"state":             state.String(),
			"reconnectAttempts": attempts,
		}

		switch {
		case state == hardware.LinkConnected:
			return NewHealthy("hardware-link", "link established").WithDetails(details)
		case attempts >= supervisor.MaxReconnectAttempts():
			return NewUnhealthy("hardware-link", "reconnect attempts exhausted").WithDetails(details)
		default:
			return NewDegraded("hardware-link", "link down, reconnecting").WithDetails(details)
		}
	}
}

// BreakerProbe maps breaker state onto health: closed is healthy,
// half-open is degraded, open is unhealthy
func BreakerProbe(name string, b *breaker.Breaker) Probe {
	return func() Status {
		state := b.State()
		details := map[string]any{"state": state.String()}
		switch state {
		case breaker.StateClosed:
			return NewHealthy(name, "circuit closed").WithDetails(details)
		case breaker.StateHalfOpen:
			return NewDegraded(name, "circuit probing recovery").WithDetails(details)
		default:
			return NewUnhealthy(name, "circuit open").WithDetails(details)
		}
	}
}

// BackplaneProbe reports NATS connectivity. A missing backplane is
// degraded, not unhealthy: the server keeps serving local subscribers.
func BackplaneProbe(client *natsclient.Client) Probe {
	return func() Status {
		if client == nil {
			return NewDegraded("backplane", "backplane not configured")
		}
		if client.IsHealthy() {
			return NewHealthy("backplane", "connected")
		}
		return NewDegraded("backplane", "backplane disconnected")
	}
}
