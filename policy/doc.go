// Package policy holds the pure decision functions behind planauth's
// throttling and session-cap behavior: progressive backoff arithmetic, the
// lockout-versus-throttle gate, and oldest-first session eviction.
//
// Everything here is deterministic and side-effect free. Time is always a
// parameter; the package never reads the clock.
package policy
