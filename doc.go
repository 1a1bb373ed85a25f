// Package planauth is the authentication and session security core of the
// Planara project-management platform: rotating refresh-token sessions with
// replay detection and concurrent-session eviction, plus one-time-passcode
// email verification with progressive backoff and lockout.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build]. Operations are request-scoped and stateless between calls;
// correctness under concurrency rests on conditional writes in the backing
// stores, not on in-process locking.
//
// # Architecture boundaries
//
// planauth is the public surface. It exposes [Engine], [Builder], [Config],
// the collaborator interfaces ([AccountStore], [Mailer], [AuditSink],
// [Banlist]), and value types. Flow orchestration, audit dispatch, and
// randomness helpers live under internal/ and are never exported. Leaf
// packages (policy, token, password, session) have no dependency back on
// this package.
//
// # What this package must NOT do
//
//   - Route HTTP, render UI, or validate CRUD resources — those belong to
//     the Planara API layer.
//   - Block or fail a primary operation because the audit sink is slow or
//     down: audit emission is asynchronous and best-effort by contract.
//   - Distinguish "no such user" from "wrong password" in anything returned
//     to a caller of [Engine.Login].
package planauth
