// Package hardware supervises the physical link to the metering hardware.
//
// The supervisor exclusively owns the link: it discovers and opens the
// serial endpoint, pumps newline-delimited JSON frames through schema
// validation, maintains the device registry, republishes normalized
// readings through the room registry, and gates every outbound write with
// a circuit breaker. Reconnection uses a fixed delay with a hard attempt
// cap; exceeding the cap halts retry until an operator calls
// ResetReconnectAttempts. After every reconnect the supervisor re-seeds
// device accumulators (energy, cost) with restore directives, and on every
// close it best-effort drains last-known readings to the snapshot store.
package hardware
