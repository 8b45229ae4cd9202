package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheusMeterProvider(t *testing.T) {
	registry := prometheus.NewRegistry()
	mp, err := NewPrometheusMeterProvider(context.Background(), Config{ServiceName: "test"}, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	counter, err := mp.Meter("polis.trust").Int64Counter("trust_initializations_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	families, err := registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, family := range families {
		if family.GetName() != "trust_initializations_total" {
			continue
		}
		found = true
		require.NotEmpty(t, family.GetMetric())
		assert.Equal(t, 2.0, family.GetMetric()[0].GetCounter().GetValue())
	}
	assert.True(t, found, "trust_initializations_total not exported")
}
