// Package refresh encodes and decodes opaque rotating refresh tokens.
//
// # Token format
//
// A token is base64url (no padding) over 48 bytes: the 16-byte record jti
// followed by a 32-byte random secret. Only sha256(secret) is persisted; the
// plaintext token exists on the wire and nowhere else.
//
// # What this package must NOT do
//
//   - Access Redis or any I/O.
//   - Import goSession, jwt, or session.
//   - Implement rotation or replay logic.
package refresh
