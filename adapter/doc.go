// Package adapter connects devices to the outside: an HTTP monitor view,
// health endpoints, unix socket listeners, OpenTelemetry providers and an
// slog audit sink.
package adapter
