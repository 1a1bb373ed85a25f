// Package rate provides the Redis-backed fixed-window login attempt limiter.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - pl:  — login per-identifier
//   - pli: — login per-IP
//
// # What this package must NOT do
//
//   - Implement verification backoff or lockout (those live in package policy
//     and the account's verification state).
//   - Be imported outside the planauth module.
package rate
