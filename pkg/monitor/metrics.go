// Package monitor exposes trust bundle health to Prometheus and over a small
// HTTP status surface.
package monitor

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/polis-trust/internal/trust"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var states = []trust.State{
	trust.StateUninitialized,
	trust.StateInitializing,
	trust.StateReady,
	trust.StateFailed,
}

// Metrics holds all Prometheus metrics for trust bundle health
type Metrics struct {
	bundleCertificates *prometheus.GaugeVec
	bundleExpiry       *prometheus.GaugeVec
	providerState      *prometheus.GaugeVec
	driftEvents        *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance on its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		bundleCertificates: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polis_trust_bundle_certificates",
				Help: "Number of CA certificates in the loaded trust bundle",
			},
			[]string{"bundle"},
		),

		bundleExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polis_trust_bundle_earliest_expiry_timestamp_seconds",
				Help: "Unix time at which the first CA certificate in the bundle expires",
			},
			[]string{"bundle"},
		),

		providerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polis_trust_provider_state",
				Help: "1 for the current lifecycle state of the trust provider, 0 otherwise",
			},
			[]string{"state"},
		),

		driftEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_trust_bundle_drift_events_total",
				Help: "On-disk trust bundle changes detected after initialization",
			},
			[]string{"kind"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_trust_http_requests_total",
				Help: "Total number of requests served by the status endpoint",
			},
			[]string{"endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_trust_http_request_duration_seconds",
				Help:    "Status endpoint request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.bundleCertificates,
		m.bundleExpiry,
		m.providerState,
		m.driftEvents,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// ObserveProvider snapshots the provider's state and bundle.
func (m *Metrics) ObserveProvider(p *trust.Provider) {
	current := p.State()
	for _, s := range states {
		value := 0.0
		if s == current {
			value = 1
		}
		m.providerState.WithLabelValues(s.String()).Set(value)
	}

	bundle := p.Bundle()
	if bundle == nil {
		return
	}
	m.bundleCertificates.WithLabelValues(bundle.Name()).Set(float64(bundle.Len()))
	if expiry, ok := trust.EarliestExpiry(bundle.Certificates()); ok {
		m.bundleExpiry.WithLabelValues(bundle.Name()).Set(float64(expiry.Unix()))
	}
}

// RecordDrift counts one drift event.
func (m *Metrics) RecordDrift(event trust.DriftEvent) {
	m.driftEvents.WithLabelValues(string(event.Kind)).Inc()
}

// ConsumeDrift records every event from events until it is closed or ctx is
// done, calling onEvent for each one when it is non-nil.
func (m *Metrics) ConsumeDrift(ctx context.Context, events <-chan trust.DriftEvent, onEvent func(trust.DriftEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			m.RecordDrift(event)
			if onEvent != nil {
				onEvent(event)
			}
		}
	}
}

// Handler returns the HTTP handler for metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records request counts and latency per endpoint
func (m *Metrics) MetricsMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.httpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(rw.statusCode)).Inc()
		m.httpRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
