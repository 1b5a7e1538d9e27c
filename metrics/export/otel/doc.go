// Package otel exports goSession metrics through an OpenTelemetry Meter.
//
// [NewExporter] registers one observable counter per engine counter and one
// observable gauge per histogram bucket, all read from a single callback that
// takes [goSession.Engine.MetricsSnapshot] on each collection. The caller owns
// the MeterProvider.
package otel
