package proptalk

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the session's Prometheus collectors.
type Metrics struct {
	Sends           *prometheus.CounterVec
	Pushes          *prometheus.CounterVec
	Joins           *prometheus.CounterVec
	ReadFlushes     prometheus.Counter
	TransportErrors *prometheus.CounterVec
	Reconnects      prometheus.Counter
	PendingSends    prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what sessions use by default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptalk",
			Name:      "sends_total",
			Help:      "Local sends by final result.",
		}, []string{"result"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptalk",
			Name:      "pushes_total",
			Help:      "Inbound message pushes by reconciliation outcome.",
		}, []string{"outcome"}),
		Joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptalk",
			Name:      "joins_total",
			Help:      "Conversation resolves by result.",
		}, []string{"result"}),
		ReadFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proptalk",
			Name:      "read_flushes_total",
			Help:      "Mark-read calls written to the wire.",
		}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proptalk",
			Name:      "transport_errors_total",
			Help:      "Transport errors, split by whether they were surfaced or rate limited.",
		}, []string{"disposition"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proptalk",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled.",
		}),
		PendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "proptalk",
			Name:      "pending_sends",
			Help:      "Sends awaiting ack or error.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sends, m.Pushes, m.Joins, m.ReadFlushes, m.TransportErrors, m.Reconnects, m.PendingSends)
	}
	return m
}
