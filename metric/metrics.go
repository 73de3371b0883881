// Package metric exposes prometheus metrics for the feeder core.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "feedercore"

// Metrics contains all feeder core metrics
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesSkipped    *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	SessionsOpened    *prometheus.CounterVec
	SessionsCompleted prometheus.Counter
	SessionsAbandoned prometheus.Counter
	AlertsEmitted     *prometheus.CounterVec
	AlertsSuppressed  *prometheus.CounterVec
	CommandsPublished prometheus.Counter

	TransportConnected *prometheus.GaugeVec
	TransportFailures  *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with the given
// registerer. A nil registerer creates unregistered metrics, which keeps
// unit tests free of the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "messages_received_total",
				Help:      "Telemetry messages received from the bus",
			},
			[]string{"topic"},
		),
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "messages_processed_total",
				Help:      "Telemetry messages processed per topic and outcome",
			},
			[]string{"topic", "status"},
		),
		MessagesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "messages_skipped_total",
				Help:      "Telemetry messages skipped per reason",
			},
			[]string{"topic", "reason"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "processing_duration_seconds",
				Help:      "Message handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Errors per component and type",
			},
			[]string{"component", "type"},
		),

		SessionsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "opened_total",
				Help:      "Dispensation sessions opened per trigger kind",
			},
			[]string{"trigger"},
		),
		SessionsCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "completed_total",
				Help:      "Dispensation sessions completed",
			},
		),
		SessionsAbandoned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sessions",
				Name:      "abandoned_total",
				Help:      "Dispensation sessions abandoned on timeout",
			},
		),
		AlertsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "emitted_total",
				Help:      "Alerts persisted per category",
			},
			[]string{"category"},
		),
		AlertsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "alerts",
				Name:      "suppressed_total",
				Help:      "Alerts suppressed by the per-device cooldown",
			},
			[]string{"category"},
		),
		CommandsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "published_total",
				Help:      "Dispense commands published to the bus",
			},
		),

		TransportConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Transport connection status (0=disconnected, 1=connected)",
			},
			[]string{"transport"},
		),
		TransportFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "failures_total",
				Help:      "Transport connection failures",
			},
			[]string{"transport"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.MessagesProcessed,
			m.MessagesSkipped,
			m.ProcessingDuration,
			m.ErrorsTotal,
			m.SessionsOpened,
			m.SessionsCompleted,
			m.SessionsAbandoned,
			m.AlertsEmitted,
			m.AlertsSuppressed,
			m.CommandsPublished,
			m.TransportConnected,
			m.TransportFailures,
		)
	}

	return m
}

// RecordMessageReceived increments the received counter for a topic
func (m *Metrics) RecordMessageReceived(topic string) {
	m.MessagesReceived.WithLabelValues(topic).Inc()
}

// RecordMessageProcessed increments the processed counter for a topic
func (m *Metrics) RecordMessageProcessed(topic, status string) {
	m.MessagesProcessed.WithLabelValues(topic, status).Inc()
}

// RecordMessageSkipped increments the skipped counter for a topic
func (m *Metrics) RecordMessageSkipped(topic, reason string) {
	m.MessagesSkipped.WithLabelValues(topic, reason).Inc()
}

// RecordProcessingDuration records a handler duration
func (m *Metrics) RecordProcessingDuration(topic string, d time.Duration) {
	m.ProcessingDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// RecordError increments the error counter for a component
func (m *Metrics) RecordError(component, errType string) {
	m.ErrorsTotal.WithLabelValues(component, errType).Inc()
}

// RecordSessionOpened increments the opened-session counter
func (m *Metrics) RecordSessionOpened(trigger string) {
	m.SessionsOpened.WithLabelValues(trigger).Inc()
}

// RecordSessionCompleted increments the completed-session counter
func (m *Metrics) RecordSessionCompleted() {
	m.SessionsCompleted.Inc()
}

// RecordSessionAbandoned increments the abandoned-session counter
func (m *Metrics) RecordSessionAbandoned() {
	m.SessionsAbandoned.Inc()
}

// RecordCommandPublished increments the dispense-command counter
func (m *Metrics) RecordCommandPublished() {
	m.CommandsPublished.Inc()
}

// RecordAlertEmitted increments the alert counter for a category
func (m *Metrics) RecordAlertEmitted(category string) {
	m.AlertsEmitted.WithLabelValues(category).Inc()
}

// RecordAlertSuppressed increments the suppressed-alert counter
func (m *Metrics) RecordAlertSuppressed(category string) {
	m.AlertsSuppressed.WithLabelValues(category).Inc()
}

// RecordTransportStatus updates the connection gauge for a transport
func (m *Metrics) RecordTransportStatus(transport string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.TransportConnected.WithLabelValues(transport).Set(value)
}

// RecordTransportFailure increments the failure counter for a transport
func (m *Metrics) RecordTransportFailure(transport string) {
	m.TransportFailures.WithLabelValues(transport).Inc()
}
