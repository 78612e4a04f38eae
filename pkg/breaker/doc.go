// Package breaker implements a reusable circuit breaker state machine,
// independent of what it protects.
//
// # States
//
//   - Closed: calls flow through; consecutive failures are counted.
//   - Open: every call is rejected immediately with errors.ErrCircuitOpen;
//     the protected function is never invoked. After the configured timeout
//     the next call is admitted as a probe.
//   - Half-open: probe calls flow through. One failure reopens the circuit;
//     a run of successes closes it.
//
// # Usage
//
//	b := breaker.New("serial-write", breaker.DefaultConfig())
//
//	err := b.Execute(func() error {
//	    return port.Write(directive)
//	})
//	if errors.IsCircuitOpen(err) {
//	    // hardware link is being shielded; degrade or queue
//	}
//
// Results and fallbacks:
//
//	reading, err := breaker.ExecuteWithResult(b, readMeter)
//
//	reading, err := breaker.ExecuteWithFallback(b, readMeter, lastKnownReading)
//
// The fallback runs only when the breaker rejects the call, never for real
// failures of the protected function.
//
// ForceOpen, ForceClose, and Reset exist for operational override; state
// transitions can be observed through WithListener for monitoring.
package breaker
