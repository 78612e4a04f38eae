// Package errors provides the error taxonomy shared by every component of
// the event-distribution server.
//
// Errors fall into three classes:
//
//   - Transient: temporary conditions worth retrying (circuit open, rate
//     limited, link hiccups)
//   - Invalid: bad input resolved at the boundary where it occurred
//     (malformed frames, denied permissions, unknown event kinds)
//   - Fatal: unrecoverable conditions that stop the affected feature
//     (invalid configuration, reconnect budget exhausted)
//
// Components wrap errors with WrapTransient, WrapInvalid, or WrapFatal so
// callers can route on classification with IsTransient, IsInvalid, and
// IsFatal instead of string matching.
package errors
