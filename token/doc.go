// Package token mints and validates the JWT access/refresh pair used by the
// planauth engine.
//
// # Token shapes
//
// Both token types carry the same compact claim set (uid, sid, typ plus the
// registered claims); typ distinguishes access from refresh so one can never
// be presented as the other. The refresh credential's jti equals the session
// ID it belongs to.
//
// # Refresh parsing
//
// [Manager.ParseRefresh] verifies the signature but not the expiry. Expiry
// of a refresh credential is a session-level decision: the engine must reach
// the stored session row to classify an expired presentation separately from
// a forged or replayed one.
//
// # What this package must NOT do
//
//   - Touch Redis or any store — it is pure crypto and encoding.
//   - Decide whether a session is live; that belongs to the Engine.
package token
