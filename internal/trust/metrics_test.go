package trust

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func sumByAttribute(t *testing.T, m metricdata.Metrics, key, value string) int64 {
	t.Helper()

	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected data type for %s", m.Name)

	var total int64
	for _, dp := range data.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func newTestCollector(t *testing.T) (*MetricsCollector, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	collector, err := NewMetricsCollector(provider, nil)
	require.NoError(t, err)
	return collector, reader
}

func TestMetricsCollector_ProviderLifecycle(t *testing.T) {
	pki := newTestPKI(t)
	collector, reader := newTestCollector(t)
	ctx := context.Background()

	p, err := Load(ctx, BytesSource("ca", pki.bundlePEM()), Options{Metrics: collector})
	require.NoError(t, err)
	_, err = Load(ctx, BytesSource("broken", []byte("broken")), Options{Metrics: collector})
	require.Error(t, err)

	require.NoError(t, p.VerifyServerChain(ctx, []*x509.Certificate{pki.server.Certificate}, "localhost"))
	require.Error(t, p.VerifyServerChain(ctx, []*x509.Certificate{pki.untrusted.Certificate}, "localhost"))
	require.NoError(t, p.VerifyClientChain(ctx, []*x509.Certificate{pki.client.Certificate}))

	metrics := collectMetrics(t, reader)

	inits, ok := metrics["trust_initializations_total"]
	require.True(t, ok, "missing trust_initializations_total")
	assert.Equal(t, int64(1), sumByAttribute(t, inits, "outcome", "ready"))
	assert.Equal(t, int64(1), sumByAttribute(t, inits, "outcome", "failed"))
	assert.Equal(t, int64(1), sumByAttribute(t, inits, "error_type", string(ErrorTypeBundleLoad)))

	validations, ok := metrics["trust_chain_validations_total"]
	require.True(t, ok, "missing trust_chain_validations_total")
	assert.Equal(t, int64(2), sumByAttribute(t, validations, "outcome", "accepted"))
	assert.Equal(t, int64(1), sumByAttribute(t, validations, "outcome", "rejected"))
	assert.Equal(t, int64(1), sumByAttribute(t, validations, "usage", UsageClient))

	gauge, ok := metrics["trust_bundle_certificates"]
	require.True(t, ok, "missing trust_bundle_certificates")
	gaugeData, ok := gauge.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gaugeData.DataPoints, 1)
	assert.Equal(t, int64(1), gaugeData.DataPoints[0].Value)

	_, ok = metrics["trust_initialization_duration_seconds"]
	assert.True(t, ok)
}

func TestMetricsCollector_Drift(t *testing.T) {
	collector, reader := newTestCollector(t)
	ctx := context.Background()

	collector.RecordBundleDrift(ctx, DriftModified)
	collector.RecordBundleDrift(ctx, DriftModified)
	collector.RecordBundleDrift(ctx, DriftRemoved)

	metrics := collectMetrics(t, reader)
	drift, ok := metrics["trust_bundle_drift_total"]
	require.True(t, ok)
	assert.Equal(t, int64(2), sumByAttribute(t, drift, "kind", string(DriftModified)))
	assert.Equal(t, int64(1), sumByAttribute(t, drift, "kind", string(DriftRemoved)))
}

func TestMetricsCollector_NilIsSafe(t *testing.T) {
	var collector *MetricsCollector
	ctx := context.Background()

	assert.NotPanics(t, func() {
		collector.RecordInitialization(ctx, "ca", nil, time.Millisecond)
		collector.RecordBundleCertificates(ctx, "ca", 1)
		collector.RecordChainValidation(ctx, UsageServer, true)
		collector.RecordBundleDrift(ctx, DriftRemoved)
	})
}

type failingMeterProvider struct{ noop.MeterProvider }

func (failingMeterProvider) Meter(string, ...metric.MeterOption) metric.Meter { return failingMeter{} }

type failingMeter struct{ noop.Meter }

func (failingMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("instrument rejected")
}

func TestNewMetricsCollector_InstrumentFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	collector, err := NewMetricsCollector(failingMeterProvider{}, logger)
	require.Error(t, err)
	assert.Nil(t, collector)
	assert.Contains(t, err.Error(), "trust_initializations_total")
	assert.Contains(t, buf.String(), "Failed to create trust metric instrument")
	assert.Contains(t, buf.String(), "instrument=trust_initializations_total")
}
