// Package audit delivers security events off the request path.
//
// [Queue] is a bounded single-worker relay with drop-if-full or block-if-full
// semantics and a dropped counter. [Dispatcher] specializes it for [Event]
// and a [Sink]; the engine also uses a Queue for reuse notifications.
//
// The package decides nothing about which events exist. It must not import
// goSession or any sibling internal package.
package audit
