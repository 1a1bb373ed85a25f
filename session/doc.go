// Package session implements the Redis-backed refresh-session store.
//
// # Layout
//
// Each session is one Redis HASH at <prefix>:s:<id>; the per-account index
// is a ZSET at <prefix>:a:<account> scored by creation time, which makes
// oldest-first eviction a plain range read.
//
// # Revocation protocol
//
// [Store.ConditionalRevoke] is a Lua script and the only way a row goes
// from live to revoked. Under concurrent presentations of the same refresh
// credential exactly one caller wins the flip; everyone else observes an
// already-revoked row. Revoked rows stay readable for a retention window so
// a replay arriving after revocation is classified as reuse rather than as
// an unknown credential.
//
// # What this package must NOT do
//
//   - Parse or mint tokens.
//   - Decide eviction or replay policy; it only persists and flips rows.
package session
