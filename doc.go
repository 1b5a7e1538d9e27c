// Package goSession is a session and token lifecycle engine: it issues short
// lived access tokens, rotates refresh tokens inside families, detects reuse of
// a spent refresh token and revokes the whole family when it happens.
//
// An [Engine] is assembled with a [Builder]:
//
//	engine, err := goSession.New().
//		WithConfig(cfg).
//		WithRedis(rdb).
//		WithUserProvider(users).
//		Build()
//
// Engine methods are safe for concurrent use. Exactly one of any number of
// concurrent refreshes of the same token succeeds; the store decides the
// winner with a single conditional write.
//
// # Failures
//
// Every failure is one of the sentinel errors in errors.go and can be matched
// with errors.Is. Store failures wrap [ErrStoreUnavailable] and never grant a
// session. Best-effort side effects (audit, reuse notifications, stamping a
// record as reused) are logged and never change the result of a call.
//
// # Boundaries
//
// The engine does not register users, reset passwords or deliver email. It
// reads accounts through [UserProvider] and owns no goroutines besides the
// audit and notification workers; [session.Sweeper] is started by the caller.
package goSession
