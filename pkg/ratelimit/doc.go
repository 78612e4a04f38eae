// Package ratelimit provides the two pacing primitives of the fan-out path.
//
// Limiter is a per-connection sliding-window request budget: the request
// that would push the in-window count past MaxRequests is rejected, and a
// periodic sweeper reclaims idle ledger entries so Check stays O(window
// contents) in the worst case.
//
// Throttler is a per-(connection, event-key) minimum-interval gate with a
// coalescing queue: while suppressed, only the most recent payload per key
// is retained, and it is flushed once the interval elapses. The number of
// distinct pending keys per connection is bounded by MaxBurst.
package ratelimit
