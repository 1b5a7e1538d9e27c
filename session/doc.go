// Package session persists refresh-token records and their rotation chains.
//
// # Records and families
//
// Every issued refresh token is one [Record]. A login creates a root record
// whose FamilyID equals its JTI; each rotation marks the parent rotated and
// inserts a child carrying the same FamilyID. Records are never updated in
// place beyond the revoked, rotated and reused markers.
//
// # Backends
//
// [RedisStore] keeps records in hashes and performs every mutation in a Lua
// script. [PostgresStore] uses the session_records table created by
// [Migrate] and relies on row locks plus a partial unique index on
// parent_jti. Both implement [Store].
//
// [Bounded] adds per-call deadlines and the read retry policy on top of any
// Store. [Sweeper] removes expired records in the background.
//
// # What this package must NOT do
//
//   - Import goSession, jwt, or httpapi (no upward imports).
//   - Decide refresh outcomes; it reports facts and conditional-write results.
//   - Store plaintext refresh secrets.
package session
