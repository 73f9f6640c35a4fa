// Package telemetry provides Prometheus metrics for the synchronization core.
//
// All recording methods are safe on a nil *Metrics, so components can be
// constructed without instrumentation in tests.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pilonas"

// Cache lookup results.
const (
	ResultHit       = "hit"
	ResultMiss      = "miss"
	ResultCoalesced = "coalesced"
)

// Fetch outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeDropped = "dropped"
)

// Metrics groups every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	connState         *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	connectFailures   prometheus.Counter
	messagesSent      *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	eventsReceived    *prometheus.CounterVec

	cacheRequests *prometheus.CounterVec
	cacheFetches  *prometheus.CounterVec

	activeSessions  prometheus.Gauge
	filteredUpdates prometheus.Counter
	notifyFailures  prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connection_state",
			Help:      "1 for the current push channel state, 0 otherwise.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a failure.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "connect_failures_total",
			Help:      "Failed connect attempts and unexpected disconnects.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_sent_total",
			Help:      "Messages queued on the push channel.",
		}, []string{"event"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "messages_dropped_total",
			Help:      "Messages rejected because the channel was not connected or full.",
		}, []string{"event"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_received_total",
			Help:      "Inbound events by name, before filtering.",
		}, []string{"event"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Collection reads by result (hit, miss, coalesced).",
		}, []string{"collection", "result"}),
		cacheFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Backend fetches by outcome (ok, error, dropped).",
		}, []string{"collection", "outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "active_sessions",
			Help:      "Devices currently under a manual test session.",
		}),
		filteredUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "filtered_updates_total",
			Help:      "Live updates withheld because their device is under test.",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "notify_failures_total",
			Help:      "Test-mode notifications the backend rejected.",
		}),
	}

	m.registry.MustRegister(
		m.connState, m.reconnectAttempts, m.connectFailures,
		m.messagesSent, m.messagesDropped, m.eventsReceived,
		m.cacheRequests, m.cacheFetches,
		m.activeSessions, m.filteredUpdates, m.notifyFailures,
	)
	return m
}

// Registry exposes the underlying registry (used by tests and Handler).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetConnectionState marks state as the only active connection state.
func (m *Metrics) SetConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) ConnectFailed() {
	if m == nil {
		return
	}
	m.connectFailures.Inc()
}

func (m *Metrics) MessageSent(event string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(event).Inc()
}

func (m *Metrics) MessageDropped(event string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(event).Inc()
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

// CacheRequest records a Get by result.
func (m *Metrics) CacheRequest(collection, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(collection, result).Inc()
}

// CacheFetch records a completed backend fetch by outcome.
func (m *Metrics) CacheFetch(collection, outcome string) {
	if m == nil {
		return
	}
	m.cacheFetches.WithLabelValues(collection, outcome).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) UpdateFiltered() {
	if m == nil {
		return
	}
	m.filteredUpdates.Inc()
}

func (m *Metrics) NotifyFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}
