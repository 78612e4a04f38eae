// Package registry is the connection and room registry at the heart of
// the server.
//
// Every subscriber attaches as a Connection with immutable claims and a
// bounded outbox. Rooms are named fan-out groups whose automatic
// membership derives from claims; device rooms are joined on demand after
// an ownership check. Publishing takes a membership snapshot under the
// registry mutex, so join and leave are atomic with respect to concurrent
// publishes, then delivers through the permission filter per subscriber.
// A subscriber whose outbox fills is evicted rather than allowed to stall
// the fan-out path.
//
// Each room publish is mirrored fire-and-forget onto the NATS backplane
// under websocket-api.room.<room> when a backplane client is configured.
package registry
