// Package flows contains the orchestration behind every Engine operation.
//
// Each Run function takes a typed dependency struct and returns a result
// whose Failure kind the root package maps to its sentinel errors. Flows
// coordinate the session store, the token signer, the rate limiter and the
// user lookup; they own none of them.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goSession (to avoid import cycles).
//   - Retry a rotation write or treat an unknown write outcome as success.
package flows
