// Package kafka publishes goSession security events to Kafka.
//
// A [Publisher] is both a [goSession.Notifier] for refresh token reuse and a
// [goSession.AuditSink]. Both paths are best effort: the engine calls them
// from background workers and a failed write never changes the outcome of a
// rotation.
package kafka
