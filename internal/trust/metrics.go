package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "polis.trust"

// MetricsCollector records trust provider metrics through OpenTelemetry.
// A nil *MetricsCollector is valid and records nothing.
type MetricsCollector struct {
	initializations    metric.Int64Counter
	initDuration       metric.Float64Histogram
	bundleCertificates metric.Int64Gauge
	chainValidations   metric.Int64Counter
	bundleDrift        metric.Int64Counter

	logger *slog.Logger
}

// NewMetricsCollector creates a collector on provider, or on the global meter
// provider when provider is nil.
func NewMetricsCollector(provider metric.MeterProvider, logger *slog.Logger) (*MetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)
	collector := &MetricsCollector{logger: logger}

	var err error

	collector.initializations, err = meter.Int64Counter(
		"trust_initializations_total",
		metric.WithDescription("Trust provider initializations by outcome"),
		metric.WithUnit("{initialization}"),
	)
	if err != nil {
		return nil, collector.instrumentError("trust_initializations_total", err)
	}

	collector.initDuration, err = meter.Float64Histogram(
		"trust_initialization_duration_seconds",
		metric.WithDescription("Time spent loading the trust bundle and building the TLS context"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, collector.instrumentError("trust_initialization_duration_seconds", err)
	}

	collector.bundleCertificates, err = meter.Int64Gauge(
		"trust_bundle_certificates",
		metric.WithDescription("Number of CA certificates in the loaded trust bundle"),
		metric.WithUnit("{certificate}"),
	)
	if err != nil {
		return nil, collector.instrumentError("trust_bundle_certificates", err)
	}

	collector.chainValidations, err = meter.Int64Counter(
		"trust_chain_validations_total",
		metric.WithDescription("Certificate chain validations by usage and outcome"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, collector.instrumentError("trust_chain_validations_total", err)
	}

	collector.bundleDrift, err = meter.Int64Counter(
		"trust_bundle_drift_total",
		metric.WithDescription("On-disk trust bundle changes detected after initialization"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, collector.instrumentError("trust_bundle_drift_total", err)
	}

	return collector, nil
}

func (c *MetricsCollector) instrumentError(name string, err error) error {
	c.logger.Error("Failed to create trust metric instrument", "instrument", name, "error", err)
	return fmt.Errorf("create %s: %w", name, err)
}

// RecordInitialization records one initialization attempt.
func (c *MetricsCollector) RecordInitialization(ctx context.Context, bundle string, err error, duration time.Duration) {
	if c == nil {
		return
	}

	outcome := "ready"
	errorType := ""
	if err != nil {
		outcome = "failed"
		var trustErr *TrustError
		if errors.As(err, &trustErr) {
			errorType = string(trustErr.Type)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("bundle", bundle),
		attribute.String("outcome", outcome),
		attribute.String("error_type", errorType),
	)
	c.initializations.Add(ctx, 1, attrs)
	c.initDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBundleCertificates records the size of the loaded bundle.
func (c *MetricsCollector) RecordBundleCertificates(ctx context.Context, bundle string, count int) {
	if c == nil {
		return
	}
	c.bundleCertificates.Record(ctx, int64(count), metric.WithAttributes(
		attribute.String("bundle", bundle),
	))
}

// RecordChainValidation records one chain validation.
func (c *MetricsCollector) RecordChainValidation(ctx context.Context, usage string, success bool) {
	if c == nil {
		return
	}

	outcome := "accepted"
	if !success {
		outcome = "rejected"
	}
	c.chainValidations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("usage", usage),
		attribute.String("outcome", outcome),
	))
}

// RecordBundleDrift records a drift event reported by the Watcher.
func (c *MetricsCollector) RecordBundleDrift(ctx context.Context, kind DriftKind) {
	if c == nil {
		return
	}
	c.bundleDrift.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
	))
}
