package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds dispatch and resync collectors bound to one registry.
type Metrics struct {
	registry *prometheus.Registry

	triggersTotal     *prometheus.CounterVec
	channelOutcomes   *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	pendingDepth      prometheus.Gauge
	resyncAttempts    *prometheus.CounterVec
	sessionSubscriber prometheus.Gauge
}

// New creates collectors on a fresh registry with Go and process collectors.
// Params: none.
// Returns: metrics set ready for /metrics exposure.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		triggersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sosalert_triggers_total",
				Help: "Dispatcher trigger results",
			},
			[]string{"result"},
		),
		channelOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sosalert_channel_outcomes_total",
				Help: "Per-channel delivery outcomes",
			},
			[]string{"channel", "kind", "reason"},
		),
		dispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sosalert_dispatch_duration_seconds",
				Help:    "Time from trigger to aggregated outcome",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		pendingDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sosalert_pending_alerts",
				Help: "Alerts waiting in the durable resend queue",
			},
		),
		resyncAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sosalert_resync_attempts_total",
				Help: "Resend attempts of pending alerts",
			},
			[]string{"result"},
		),
		sessionSubscriber: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sosalert_session_stream_clients",
				Help: "Connected session stream clients",
			},
		),
	}
}

// Registry exposes the underlying registry for HTTP handlers and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTrigger records one dispatcher result.
// Params: result label (delivered, failed, rejected) and elapsed time.
func (m *Metrics) ObserveTrigger(result string, elapsed time.Duration) {
	m.triggersTotal.WithLabelValues(result).Inc()
	if result != "rejected" {
		m.dispatchDuration.Observe(elapsed.Seconds())
	}
}

// ObserveChannel records one channel outcome.
func (m *Metrics) ObserveChannel(channel, kind, reason string) {
	m.channelOutcomes.WithLabelValues(channel, kind, reason).Inc()
}

// SetPending sets pending queue depth.
func (m *Metrics) SetPending(count int) {
	m.pendingDepth.Set(float64(count))
}

// ObserveResync records one resend attempt result (delivered, retry, dropped).
func (m *Metrics) ObserveResync(result string) {
	m.resyncAttempts.WithLabelValues(result).Inc()
}

// StreamClients adjusts connected websocket client gauge by delta.
func (m *Metrics) StreamClients(delta int) {
	m.sessionSubscriber.Add(float64(delta))
}
