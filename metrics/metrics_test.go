package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Resolution("direct")
		m.StageFailed("auth")
		m.UpstreamRetry()
		m.UpstreamFailed("status")
		m.Relayed("segment", 10)
	})
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Resolution("fallback")
	m.Resolution("fallback")
	m.StageFailed("server_lookup")
	m.UpstreamRetry()
	m.Relayed("segment", 8192)
	m.Relayed("segment", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResolutionCounter("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailureCounter("server_lookup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryCounter()))
	assert.Equal(t, 8192.0, testutil.ToFloat64(m.RelayedCounter("segment")))

	n, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}
