package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/metric"
	"github.com/electricautomaticchile/Websocket-api/natsclient"
	"github.com/electricautomaticchile/Websocket-api/permission"
	"github.com/electricautomaticchile/Websocket-api/pkg/ratelimit"
)

// MirrorSubjectPrefix is the NATS subject prefix for the backplane mirror;
// the room name is appended
const MirrorSubjectPrefix = "websocket-api.room."

// Stats is a point-in-time summary of registry state
type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	ByRole           map[string]int `json:"byRole"`
	ByIdentity       map[string]int `json:"byIdentity"`
	Rooms            int            `json:"rooms"`
}

// Registry tracks connections and their room memberships and fans events
// out to them. All membership state is guarded by a single registry mutex;
// delivery happens against a snapshot taken under that mutex, so a join or
// leave is atomic with respect to any concurrent publish.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[string]*Connection

	backplane *natsclient.Client
	metrics   *metric.MetricsRegistry
	logger    *slog.Logger

	// throttler coalesces high-frequency reading updates per subscriber;
	// nil means every update is delivered
	throttler     *ratelimit.Throttler[[]byte]
	throttlerCfg  ratelimit.ThrottlerConfig
	throttledKind map[string]bool
}

// Option configures a Registry
type Option func(*Registry)

// WithBackplane mirrors room publishes onto NATS (nil disables)
func WithBackplane(client *natsclient.Client) Option {
	return func(r *Registry) { r.backplane = client }
}

// WithMetricsRegistry enables registry metrics (nil disables)
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(r *Registry) { r.metrics = registry }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "registry")
		}
	}
}

// WithThrottling coalesces the named event kinds per subscriber: within
// the configured interval only the newest pending payload per
// (connection, event, device) is kept and flushed once the interval
// elapses
func WithThrottling(cfg ratelimit.ThrottlerConfig, eventNames ...string) Option {
	return func(r *Registry) {
		r.throttlerCfg = cfg
		r.throttledKind = make(map[string]bool, len(eventNames))
		for _, name := range eventNames {
			r.throttledKind[name] = true
		}
	}
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]*Connection),
		rooms:  make(map[string]map[string]*Connection),
		logger: slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.throttledKind != nil {
		r.throttler = ratelimit.NewThrottler[[]byte](r.throttlerCfg, r.deliverCoalesced)
	}
	return r
}

// Start launches the throttler flush loop, if throttling is enabled
func (r *Registry) Start(ctx context.Context) {
	if r.throttler != nil {
		r.throttler.Start(ctx)
	}
}

// Throttler exposes the coalescing throttler for deterministic tests
func (r *Registry) Throttler() *ratelimit.Throttler[[]byte] {
	return r.throttler
}

// deliverCoalesced is the throttler sink: it enqueues a deferred payload
// to the connection if it is still registered
func (r *Registry) deliverCoalesced(connID, _ string, payload []byte) {
	r.mu.RLock()
	conn := r.conns[connID]
	r.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := conn.Enqueue(payload); err == nil {
		if r.metrics != nil {
			r.metrics.Metrics.EventsDelivered.WithLabelValues("coalesced").Inc()
		}
	}
}

// Add registers a connection and joins it to the rooms its claims derive
func (r *Registry) Add(conn *Connection) {
	rooms := permission.RoomsFor(conn.Claims)

	r.mu.Lock()
	r.conns[conn.ID] = conn
	for _, room := range rooms {
		r.joinLocked(conn, room)
	}
	total := len(r.conns)
	roomCount := len(r.rooms)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Metrics.ConnectionsActive.Set(float64(total))
		r.metrics.Metrics.ConnectionsTotal.WithLabelValues(string(conn.Claims.Role)).Inc()
		r.metrics.Metrics.RoomsActive.Set(float64(roomCount))
	}

	r.logger.Info("connection added",
		"connection_id", conn.ID,
		"identity", conn.Claims.IdentityID,
		"role", conn.Claims.Role,
		"rooms", rooms)
}

// Remove drops a connection from every room it holds and closes it. The
// cleanup cost is proportional to the rooms the connection held, not to
// the total room count.
func (r *Registry) Remove(conn *Connection, reason string) {
	r.mu.Lock()
	if _, exists := r.conns[conn.ID]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.ID)
	for room := range conn.rooms {
		r.leaveLocked(conn, room)
	}
	total := len(r.conns)
	roomCount := len(r.rooms)
	r.mu.Unlock()

	if r.throttler != nil {
		r.throttler.Remove(conn.ID)
	}
	conn.Close()

	if r.metrics != nil {
		r.metrics.Metrics.ConnectionsActive.Set(float64(total))
		r.metrics.Metrics.DisconnectionsTotal.WithLabelValues(reason).Inc()
		r.metrics.Metrics.RoomsActive.Set(float64(roomCount))
	}

	r.logger.Info("connection removed",
		"connection_id", conn.ID,
		"identity", conn.Claims.IdentityID,
		"reason", reason)
}

// Join adds a connection to a room. Joining a room already held is a no-op.
func (r *Registry) Join(conn *Connection, room string) {
	r.mu.Lock()
	r.joinLocked(conn, room)
	roomCount := len(r.rooms)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Metrics.RoomsActive.Set(float64(roomCount))
	}
}

// Leave removes a connection from a room
func (r *Registry) Leave(conn *Connection, room string) {
	r.mu.Lock()
	r.leaveLocked(conn, room)
	roomCount := len(r.rooms)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Metrics.RoomsActive.Set(float64(roomCount))
	}
}

func (r *Registry) joinLocked(conn *Connection, room string) {
	members, exists := r.rooms[room]
	if !exists {
		members = make(map[string]*Connection)
		r.rooms[room] = members
	}
	members[conn.ID] = conn
	conn.rooms[room] = struct{}{}
}

func (r *Registry) leaveLocked(conn *Connection, room string) {
	members, exists := r.rooms[room]
	if !exists {
		return
	}
	delete(members, conn.ID)
	delete(conn.rooms, room)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// InRoom reports whether the connection currently holds the room
func (r *Registry) InRoom(conn *Connection, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, exists := r.rooms[room]
	if !exists {
		return false
	}
	_, ok := members[conn.ID]
	return ok
}

// Publish fans an event out to a room through the permission filter and
// mirrors it onto the backplane. Publishing to an empty room is a silent
// no-op. Returns the number of subscribers the event was delivered to.
func (r *Registry) Publish(ctx context.Context, room string, ev event.Event) int {
	r.mu.RLock()
	members := make([]*Connection, 0, len(r.rooms[room]))
	for _, conn := range r.rooms[room] {
		members = append(members, conn)
	}
	r.mu.RUnlock()

	delivered := r.deliver(members, ev)
	r.mirror(ctx, room, ev)
	return delivered
}

// PublishRooms fans an event out to the union of the rooms' members. A
// connection holding more than one of the rooms receives the event once.
// Every room is mirrored onto the backplane.
func (r *Registry) PublishRooms(ctx context.Context, rooms []string, ev event.Event) int {
	r.mu.RLock()
	seen := make(map[string]*Connection)
	for _, room := range rooms {
		for id, conn := range r.rooms[room] {
			seen[id] = conn
		}
	}
	members := make([]*Connection, 0, len(seen))
	for _, conn := range seen {
		members = append(members, conn)
	}
	r.mu.RUnlock()

	delivered := r.deliver(members, ev)
	for _, room := range rooms {
		r.mirror(ctx, room, ev)
	}
	return delivered
}

// PublishIdentity delivers an event to every connection of one identity
func (r *Registry) PublishIdentity(ctx context.Context, identityID string, ev event.Event) int {
	return r.Publish(ctx, fmt.Sprintf("identity:%s", identityID), ev)
}

// PublishRole delivers an event to every connection holding a role
func (r *Registry) PublishRole(ctx context.Context, role auth.Role, ev event.Event) int {
	return r.Publish(ctx, fmt.Sprintf("role:%s", role), ev)
}

// Broadcast delivers an event to every connection, bypassing room
// membership. Reserved for emergency and critical events; the permission
// filter still applies.
func (r *Registry) Broadcast(_ context.Context, ev event.Event) int {
	r.mu.RLock()
	members := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		members = append(members, conn)
	}
	r.mu.RUnlock()

	return r.deliver(members, ev)
}

// deliver encodes and enqueues the event per subscriber, filtering and
// redacting per their claims. Slow consumers are evicted.
func (r *Registry) deliver(members []*Connection, ev event.Event) int {
	start := time.Now()
	delivered := 0

	for _, conn := range members {
		if conn.Closed() {
			continue
		}
		if !permission.CanViewEvent(conn.Claims, ev) {
			if r.metrics != nil {
				r.metrics.Metrics.EventsFiltered.WithLabelValues(ev.Name).Inc()
			}
			continue
		}

		data, err := permission.FilterPayload(conn.Claims, ev).Encode()
		if err != nil {
			r.logger.Error("event encode failed", "event", ev.Name, "error", err)
			if r.metrics != nil {
				r.metrics.Metrics.EventsDropped.WithLabelValues("encode").Inc()
			}
			continue
		}

		if r.throttler != nil && r.throttledKind[ev.Name] {
			if !r.throttler.Offer(conn.ID, ev.Name+":"+ev.DeviceID, data) {
				// coalesced; the flush loop delivers the newest payload later
				continue
			}
			delivered++
			continue
		}

		if err := conn.Enqueue(data); err != nil {
			if r.metrics != nil {
				r.metrics.Metrics.EventsDropped.WithLabelValues("slow_consumer").Inc()
			}
			r.logger.Warn("evicting slow consumer",
				"connection_id", conn.ID,
				"identity", conn.Claims.IdentityID)
			go r.Remove(conn, "slow_consumer")
			continue
		}
		delivered++
	}

	if r.metrics != nil {
		r.metrics.Metrics.EventsDelivered.WithLabelValues(ev.Name).Add(float64(delivered))
		r.metrics.Metrics.FanoutDuration.WithLabelValues(ev.Name).Observe(time.Since(start).Seconds())
	}
	return delivered
}

// mirror publishes the unfiltered event onto the backplane, fire-and-forget
func (r *Registry) mirror(ctx context.Context, room string, ev event.Event) {
	if r.backplane == nil {
		return
	}
	data, err := ev.Encode()
	if err != nil {
		return
	}
	if err := r.backplane.Publish(ctx, MirrorSubjectPrefix+room, data); err != nil {
		r.logger.Debug("backplane mirror failed", "room", room, "error", err)
	}
}

// Stats returns a point-in-time summary of connections and rooms
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalConnections: len(r.conns),
		ByRole:           make(map[string]int),
		ByIdentity:       make(map[string]int),
		Rooms:            len(r.rooms),
	}
	for _, conn := range r.conns {
		stats.ByRole[string(conn.Claims.Role)]++
		stats.ByIdentity[conn.Claims.IdentityID]++
	}
	return stats
}

// CloseAll closes every connection, used during shutdown
func (r *Registry) CloseAll() {
	if r.throttler != nil {
		r.throttler.Stop()
	}
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*Connection)
	r.rooms = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	if r.metrics != nil {
		r.metrics.Metrics.ConnectionsActive.Set(0)
		r.metrics.Metrics.RoomsActive.Set(0)
	}
}
