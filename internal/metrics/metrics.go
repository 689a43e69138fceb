// Package metrics exposes Prometheus metrics of the collaboration server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collab"

// Save results recorded by ObserveSave.
const (
	SaveOK        = "ok"
	SaveSkipped   = "skipped"
	SaveFailed    = "failed"
	SaveAbandoned = "abandoned"
)

// Metrics holds every collector of the server on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	roomsActive    prometheus.Gauge
	sessionsActive prometheus.Gauge

	updatesApplied  prometheus.Counter
	updatesRejected prometheus.Counter

	saves        *prometheus.CounterVec
	saveDuration prometheus.Histogram

	presenceEvicted prometheus.Counter
	relayMessages   *prometheus.CounterVec
}

// NewMetrics creates a new instance of Metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		registry: reg,
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "active",
			Help:      "The number of rooms held in the registry.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "The number of connected websocket sessions.",
		}),
		updatesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "updates",
			Name:      "applied_total",
			Help:      "The number of updates that changed a document.",
		}),
		updatesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "updates",
			Name:      "rejected_total",
			Help:      "The number of updates rejected as corrupt.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "saves_total",
			Help:      "Flush attempts by result.",
		}, []string{"result"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "save_duration_seconds",
			Help:      "Time spent writing a document to the durable store.",
		}),
		presenceEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "evicted_total",
			Help:      "Presence records dropped by the staleness sweep.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Cross-instance relay messages by direction.",
		}, []string{"direction"}),
	}

	factory(collectors.NewGoCollector())
	factory(m.roomsActive)
	factory(m.sessionsActive)
	factory(m.updatesApplied)
	factory(m.updatesRejected)
	factory(m.saves)
	factory(m.saveDuration)
	factory(m.presenceEvicted)
	factory(m.relayMessages)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetRoomsActive sets the number of rooms in the registry.
func (m *Metrics) SetRoomsActive(n int) {
	m.roomsActive.Set(float64(n))
}

// AddSessions adjusts the connected session gauge by delta.
func (m *Metrics) AddSessions(delta int) {
	m.sessionsActive.Add(float64(delta))
}

// IncUpdatesApplied counts an update that changed a document.
func (m *Metrics) IncUpdatesApplied() {
	m.updatesApplied.Inc()
}

// IncUpdatesRejected counts a corrupt update.
func (m *Metrics) IncUpdatesRejected() {
	m.updatesRejected.Inc()
}

// ObserveSave records the result of a flush and, for attempted writes, its
// duration.
func (m *Metrics) ObserveSave(result string, seconds float64) {
	m.saves.WithLabelValues(result).Inc()
	if result == SaveOK || result == SaveFailed {
		m.saveDuration.Observe(seconds)
	}
}

// AddPresenceEvicted counts records removed by the staleness sweep.
func (m *Metrics) AddPresenceEvicted(n int) {
	m.presenceEvicted.Add(float64(n))
}

// IncRelay counts a relay message; direction is "in" or "out".
func (m *Metrics) IncRelay(direction string) {
	m.relayMessages.WithLabelValues(direction).Inc()
}
