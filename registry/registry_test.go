package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/errors"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/pkg/ratelimit"
)

func newTestConn(claims auth.Claims) *Connection {
	return NewConnection(claims, nil)
}

func drainOne(t *testing.T, conn *Connection) event.Envelope {
	t.Helper()
	select {
	case data := <-conn.Outbox():
		var env event.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	default:
		t.Fatal("expected a delivered event, outbox empty")
		return event.Envelope{}
	}
}

func assertEmpty(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.Outbox():
		t.Fatalf("expected empty outbox, got %s", data)
	default:
	}
}

func ownedPowerUpdate(custID string) event.Event {
	ev := event.New(event.PowerUpdate, map[string]any{"activePower": 716.2, "cost": 385.4})
	ev.OwnerCustomerID = custID
	ev.OwnerOrganizationID = "org-7"
	return ev
}

func TestAddJoinsDerivedRooms(t *testing.T) {
	r := New()
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)

	assert.True(t, r.InRoom(conn, "identity:u1"))
	assert.True(t, r.InRoom(conn, "role:customer"))
	assert.True(t, r.InRoom(conn, "customer:cust-42"))
}

func TestPublishDeliversToRoomMembers(t *testing.T) {
	r := New()
	owner := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	other := newTestConn(auth.Claims{IdentityID: "u2", Role: auth.RoleCustomer, CustomerID: "cust-99"})
	r.Add(owner)
	r.Add(other)

	delivered := r.Publish(context.Background(), "customer:cust-42", ownedPowerUpdate("cust-42"))
	assert.Equal(t, 1, delivered)

	env := drainOne(t, owner)
	assert.Equal(t, event.PowerUpdate, env.Event)
	assertEmpty(t, other)
}

func TestPublishToEmptyRoomIsNoOp(t *testing.T) {
	r := New()
	assert.Equal(t, 0, r.Publish(context.Background(), "customer:nobody", ownedPowerUpdate("x")))
}

func TestPublishAppliesPermissionFilter(t *testing.T) {
	r := New()
	// both in the same room, but the event is visible to organizations only
	org := newTestConn(auth.Claims{IdentityID: "o1", Role: auth.RoleOrganization, OrganizationID: "org-7"})
	cust := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42", OrganizationID: "org-7"})
	r.Add(org)
	r.Add(cust)

	ev := ownedPowerUpdate("cust-42")
	ev.VisibleToRoles = []string{"organization"}

	delivered := r.Publish(context.Background(), "org:org-7:alerts", ev)
	assert.Equal(t, 1, delivered)
	drainOne(t, org)
	assertEmpty(t, cust)
}

func TestPublishRedactsPerSubscriber(t *testing.T) {
	r := New()
	foreign := newTestConn(auth.Claims{IdentityID: "u2", Role: auth.RoleCustomer, CustomerID: "cust-99"})
	r.Add(foreign)
	r.Join(foreign, "device:pm-0017")

	ev := ownedPowerUpdate("cust-42")
	ev.VisibleToRoles = []string{"customer"}
	r.Publish(context.Background(), "device:pm-0017", ev)

	env := drainOne(t, foreign)
	assert.Contains(t, env.Payload, "activePower")
	assert.NotContains(t, env.Payload, "cost")
}

func TestJoinIsIdempotent(t *testing.T) {
	r := New()
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)
	r.Join(conn, "device:pm-0017")
	r.Join(conn, "device:pm-0017")

	delivered := r.Publish(context.Background(), "device:pm-0017", ownedPowerUpdate("cust-42"))
	assert.Equal(t, 1, delivered)
	drainOne(t, conn)
	assertEmpty(t, conn)
}

func TestLeaveStopsDelivery(t *testing.T) {
	r := New()
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)
	r.Join(conn, "device:pm-0017")
	r.Leave(conn, "device:pm-0017")

	assert.Equal(t, 0, r.Publish(context.Background(), "device:pm-0017", ownedPowerUpdate("cust-42")))
	assertEmpty(t, conn)
}

func TestRemoveCleansEveryRoom(t *testing.T) {
	r := New()
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)
	r.Join(conn, "device:pm-0017")

	r.Remove(conn, "test")

	assert.True(t, conn.Closed())
	assert.Equal(t, 0, r.Stats().TotalConnections)
	assert.Equal(t, 0, r.Publish(context.Background(), "customer:cust-42", ownedPowerUpdate("cust-42")))
	assert.Equal(t, 0, r.Publish(context.Background(), "device:pm-0017", ownedPowerUpdate("cust-42")))
}

func TestConnectionTracksHeldRooms(t *testing.T) {
	r := New()
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	other := newTestConn(auth.Claims{IdentityID: "u2", Role: auth.RoleCustomer, CustomerID: "cust-99"})
	r.Add(conn)
	r.Add(other)
	r.Join(conn, "device:pm-0017")
	r.Join(other, "device:pm-0099")

	assert.ElementsMatch(t, []string{
		"identity:u1", "role:customer", "customer:cust-42", "device:pm-0017",
	}, heldRooms(conn))

	r.Leave(conn, "device:pm-0017")
	assert.ElementsMatch(t, []string{
		"identity:u1", "role:customer", "customer:cust-42",
	}, heldRooms(conn))

	// cleanup walks only the held set, never the other connection's rooms
	r.Remove(conn, "test")
	assert.Empty(t, heldRooms(conn))
	assert.True(t, r.InRoom(other, "device:pm-0099"))
	assert.Equal(t, 1, r.Publish(context.Background(), "device:pm-0099", ownedPowerUpdate("cust-99")))
}

func heldRooms(conn *Connection) []string {
	rooms := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func TestPublishRoomsDeliversOncePerConnection(t *testing.T) {
	r := New()
	both := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	watcher := newTestConn(auth.Claims{IdentityID: "u2", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(both)
	r.Add(watcher)
	r.Join(both, "device:pm-0017")

	delivered := r.PublishRooms(context.Background(),
		[]string{"customer:cust-42", "device:pm-0017"}, ownedPowerUpdate("cust-42"))
	assert.Equal(t, 2, delivered)

	drainOne(t, both)
	assertEmpty(t, both)
	drainOne(t, watcher)
	assertEmpty(t, watcher)
}

func TestBroadcastReachesAllRolesWithFilter(t *testing.T) {
	r := New()
	op := newTestConn(auth.Claims{IdentityID: "op", Role: auth.RoleOperator})
	cust := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(op)
	r.Add(cust)

	alert := event.New(event.Alert, map[string]any{"message": "overcurrent"})
	alert.Severity = event.SeverityCritical
	alert.VisibleToRoles = []string{"operator"}

	// critical severity bypasses the visibility list
	assert.Equal(t, 2, r.Broadcast(context.Background(), alert))
	drainOne(t, op)
	drainOne(t, cust)
}

func TestSlowConsumerIsEvicted(t *testing.T) {
	r := New()
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)

	// fill the outbox without draining
	for i := 0; i <= sendBufferSize; i++ {
		r.Publish(context.Background(), "customer:cust-42", ownedPowerUpdate("cust-42"))
	}

	// eviction happens asynchronously; the connection must at least stop
	// accepting new events, either as full or already evicted
	err := errAfterFull(conn)
	if !stderrors.Is(err, errors.ErrSendBufferFull) && !stderrors.Is(err, errors.ErrConnectionClosed) {
		t.Fatalf("unexpected error after overrun: %v", err)
	}
}

func errAfterFull(conn *Connection) error {
	for i := 0; i < sendBufferSize*2; i++ {
		if err := conn.Enqueue([]byte("x")); err != nil {
			return err
		}
	}
	return nil
}

func TestStats(t *testing.T) {
	r := New()
	r.Add(newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"}))
	r.Add(newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"}))
	r.Add(newTestConn(auth.Claims{IdentityID: "op", Role: auth.RoleOperator}))

	stats := r.Stats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.ByRole["customer"])
	assert.Equal(t, 1, stats.ByRole["operator"])
	assert.Equal(t, 2, stats.ByIdentity["u1"])
}

func TestConcurrentPublishAndMembership(t *testing.T) {
	r := New()
	conns := make([]*Connection, 20)
	for i := range conns {
		conns[i] = newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
		r.Add(conns[i])
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Publish(context.Background(), "customer:cust-42", ownedPowerUpdate("cust-42"))
			}
		}()
		go func(i int) {
			defer wg.Done()
			conn := conns[i]
			for j := 0; j < 20; j++ {
				r.Leave(conn, "customer:cust-42")
				r.Join(conn, "customer:cust-42")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, r.Stats().TotalConnections)
}

func TestThrottledEventsCoalesce(t *testing.T) {
	r := New(WithThrottling(ratelimit.ThrottlerConfig{
		MinInterval:   time.Second,
		MaxBurst:      8,
		FlushInterval: time.Second,
	}, event.MetricsUpdate))

	now := time.Unix(1700000000, 0)
	r.Throttler().WithClock(func() time.Time { return now })

	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)

	metrics := func(energy float64) event.Event {
		ev := event.New(event.MetricsUpdate, map[string]any{"energy": energy})
		ev.DeviceID = "pm-0017"
		ev.OwnerCustomerID = "cust-42"
		return ev
	}

	// first update passes straight through
	assert.Equal(t, 1, r.Publish(context.Background(), "customer:cust-42", metrics(10)))
	env := drainOne(t, conn)
	assert.Equal(t, float64(10), env.Payload["energy"])

	// the next two inside the interval are coalesced; nothing reaches the outbox
	assert.Equal(t, 0, r.Publish(context.Background(), "customer:cust-42", metrics(11)))
	assert.Equal(t, 0, r.Publish(context.Background(), "customer:cust-42", metrics(12)))
	assertEmpty(t, conn)

	// once the interval elapses, only the newest pending payload is flushed
	now = now.Add(2 * time.Second)
	r.Throttler().Flush()
	env = drainOne(t, conn)
	assert.Equal(t, float64(12), env.Payload["energy"])
	assertEmpty(t, conn)
}

func TestUnthrottledEventsBypassThrottler(t *testing.T) {
	r := New(WithThrottling(ratelimit.ThrottlerConfig{MinInterval: time.Hour}, event.MetricsUpdate))
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, r.Publish(context.Background(), "customer:cust-42", ownedPowerUpdate("cust-42")))
		drainOne(t, conn)
	}
}

func TestRemoveDropsThrottleState(t *testing.T) {
	r := New(WithThrottling(ratelimit.ThrottlerConfig{MinInterval: time.Hour}, event.MetricsUpdate))
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)

	ev := event.New(event.MetricsUpdate, map[string]any{"energy": 1.0})
	ev.DeviceID = "pm-0017"
	ev.OwnerCustomerID = "cust-42"
	r.Publish(context.Background(), "customer:cust-42", ev)
	r.Publish(context.Background(), "customer:cust-42", ev)

	r.Remove(conn, "test")

	// pending state is gone; flushing delivers nothing to the closed conn
	r.Throttler().Flush()
	assert.True(t, conn.Closed())
}

func TestCloseAll(t *testing.T) {
	r := New()
	conn := newTestConn(auth.Claims{IdentityID: "u1", Role: auth.RoleCustomer, CustomerID: "cust-42"})
	r.Add(conn)

	r.CloseAll()
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, r.Stats().TotalConnections)
}
