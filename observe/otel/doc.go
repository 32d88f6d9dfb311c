// Package otel provides an OpenTelemetry observer plugin for the strand
// runtime. It emits span events (spawn, cancel, join, error, panic) with low
// overhead.
package otel
