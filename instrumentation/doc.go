// Package instrumentation provides OpenTelemetry metrics and tracing for the
// reqshield library. When disabled, all instruments are backed by no-op
// providers and carry zero overhead on the request hot path.
package instrumentation
