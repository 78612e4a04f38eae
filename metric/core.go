package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core server metrics shared across components.
// Component-specific metrics live with their component and register
// through RegisterCollector.
type Metrics struct {
	// Connection registry
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	DisconnectionsTotal *prometheus.CounterVec
	RoomsActive         prometheus.Gauge

	// Event fan-out
	EventsDelivered *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsFiltered  *prometheus.CounterVec
	FanoutDuration  *prometheus.HistogramVec
	InboundMessages *prometheus.CounterVec

	// Hardware link
	HardwareFramesTotal *prometheus.CounterVec
	HardwareLinkState   prometheus.Gauge

	// Backplane
	NATSConnected prometheus.Gauge

	// Errors by component and kind
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the core metrics set
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "connections_active",
			Help:      "Number of currently connected subscribers",
		}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "connections_total",
			Help:      "Total subscriber connections accepted",
		}, []string{"role"}),

		DisconnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "disconnections_total",
			Help:      "Total subscriber disconnections",
		}, []string{"reason"}),

		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "registry",
			Name:      "rooms_active",
			Help:      "Number of rooms with at least one member",
		}),

		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "delivered_total",
			Help:      "Events delivered to subscribers",
		}, []string{"event"}),

		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped before delivery",
		}, []string{"reason"}),

		EventsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "filtered_total",
			Help:      "Events withheld from a subscriber by the permission filter",
		}, []string{"event"}),

		FanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "fanout_duration_seconds",
			Help:      "Time to fan an event out to a room",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"event"}),

		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "inbound_total",
			Help:      "Client messages handled by kind and outcome",
		}, []string{"kind", "outcome"}),

		HardwareFramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "hardware",
			Name:      "frames_total",
			Help:      "Hardware link frames by outcome",
		}, []string{"outcome"}),

		HardwareLinkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "hardware",
			Name:      "link_state",
			Help:      "Hardware link state (0=disconnected, 1=connecting, 2=connected)",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS backplane connection status (1=connected)",
		}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "errors_total",
			Help:      "Errors by component and kind",
		}, []string{"component", "kind"}),
	}
}
