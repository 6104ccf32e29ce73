// Package metrics holds the Prometheus collectors of the relay. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hls_relay"

type Metrics struct {
	resolutions      *prometheus.CounterVec
	stageFailures    *prometheus.CounterVec
	upstreamRetries  prometheus.Counter
	upstreamFailures *prometheus.CounterVec
	relayedBytes     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Stream resolutions by outcome (direct, resolved, fallback).",
		}, []string{"outcome"}),
		stageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolver_stage_failures_total",
			Help:      "Resolver stages that ended in the fallback.",
		}, []string{"stage"}),
		upstreamRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream GETs retried after a server error.",
		}),
		upstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Upstream fetches that failed after retries, by kind (status, network).",
		}, []string{"kind"}),
		relayedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Bytes written to clients by endpoint.",
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) Resolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StageFailed(stage string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) UpstreamRetry() {
	if m == nil {
		return
	}
	m.upstreamRetries.Inc()
}

func (m *Metrics) UpstreamFailed(kind string) {
	if m == nil {
		return
	}
	m.upstreamFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Relayed(endpoint string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.relayedBytes.WithLabelValues(endpoint).Add(float64(n))
}

// Counters exposed for tests in other packages.

func (m *Metrics) ResolutionCounter(outcome string) prometheus.Counter {
	return m.resolutions.WithLabelValues(outcome)
}

func (m *Metrics) StageFailureCounter(stage string) prometheus.Counter {
	return m.stageFailures.WithLabelValues(stage)
}

func (m *Metrics) RetryCounter() prometheus.Counter {
	return m.upstreamRetries
}

func (m *Metrics) RelayedCounter(endpoint string) prometheus.Counter {
	return m.relayedBytes.WithLabelValues(endpoint)
}
