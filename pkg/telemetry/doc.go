// Package telemetry wires OpenTelemetry trace and metric export for
// polis-trust.
//
// The OTLP/gRPC exporter dials the collector with the trust provider's TLS
// context, so spans only ever leave the process over a connection verified
// against the configured trust bundle. Metrics are exported through a
// Prometheus registry.
package telemetry
