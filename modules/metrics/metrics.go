// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the hub's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessions        prometheus.Gauge
	broadcasts      prometheus.Counter
	evictions       prometheus.Counter
	ingested        *prometheus.CounterVec
	storeErrors     prometheus.Counter
	relayPublished  *prometheus.CounterVec
	relayFailures   *prometheus.CounterVec
	relayConsumed   *prometheus.CounterVec
	typingChanges   prometheus.Counter
	receiptsEmitted prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chathub",
			Name:      "sessions_active",
			Help:      "Live websocket sessions on this instance.",
		}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "broadcasts_total",
			Help:      "Room broadcasts issued.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "session_evictions_total",
			Help:      "Sessions removed after a delivery failure.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "messages_ingested_total",
			Help:      "Ingest calls by outcome (new, duplicate).",
		}, []string{"outcome"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "store_errors_total",
			Help:      "Durable cache operations that failed.",
		}),
		relayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "relay_published_total",
			Help:      "Events written to the durable stream.",
		}, []string{"topic"}),
		relayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "relay_publish_failures_total",
			Help:      "Events that could not be written to the durable stream.",
		}, []string{"topic"}),
		relayConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "relay_consumed_total",
			Help:      "Deliveries handled from the durable stream by result.",
		}, []string{"topic", "result"}),
		typingChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "typing_changes_total",
			Help:      "Typing state transitions broadcast to rooms.",
		}),
		receiptsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "read_receipts_total",
			Help:      "READ_RECEIPT notifications emitted.",
		}),
	}

	reg.MustRegister(
		m.sessions, m.broadcasts, m.evictions, m.ingested, m.storeErrors,
		m.relayPublished, m.relayFailures, m.relayConsumed, m.typingChanges, m.receiptsEmitted,
	)
	return m
}

// Registry returns the registry to serve.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// SessionOpened counts a new websocket session.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

// SessionClosed counts a session that went away.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// Broadcast counts one room fan-out.
func (m *Metrics) Broadcast() {
	if m != nil {
		m.broadcasts.Inc()
	}
}

// Evicted counts a session dropped after a failed delivery.
func (m *Metrics) Evicted() {
	if m != nil {
		m.evictions.Inc()
	}
}

// Ingested records an ingest outcome; duplicate is true when the id was already known.
func (m *Metrics) Ingested(duplicate bool) {
	if m == nil {
		return
	}
	outcome := "new"
	if duplicate {
		outcome = "duplicate"
	}
	m.ingested.WithLabelValues(outcome).Inc()
}

// StoreError counts a failed cache operation.
func (m *Metrics) StoreError() {
	if m != nil {
		m.storeErrors.Inc()
	}
}

// RelayPublished counts an event written to the stream.
func (m *Metrics) RelayPublished(topic string) {
	if m != nil {
		m.relayPublished.WithLabelValues(topic).Inc()
	}
}

// RelayFailed counts an event that could not be relayed.
func (m *Metrics) RelayFailed(topic string) {
	if m != nil {
		m.relayFailures.WithLabelValues(topic).Inc()
	}
}

// RelayConsumed counts a consumed event by how it was settled.
func (m *Metrics) RelayConsumed(topic, result string) {
	if m != nil {
		m.relayConsumed.WithLabelValues(topic, result).Inc()
	}
}

// TypingChanged counts an emitted typing notification.
func (m *Metrics) TypingChanged() {
	if m != nil {
		m.typingChanges.Inc()
	}
}

// ReceiptEmitted counts an emitted read receipt.
func (m *Metrics) ReceiptEmitted() {
	if m != nil {
		m.receiptsEmitted.Inc()
	}
}
