// Package internal holds helpers private to goSession.
//
// Sub-packages:
//
//   - audit: bounded async queues and audit sinks
//   - flows: session flows as pure functions over injected dependencies
//   - rate: Redis fixed-window throttles for login and refresh
package internal
