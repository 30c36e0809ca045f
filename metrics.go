package dbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// connMetrics groups the Prometheus collectors a Connection registers
// against its configured Registerer, following the promauto
// constructor-per-metric style used by the corpus's observability
// package (coreengine/observability/metrics.go's jeeves_* counters and
// histograms).
type connMetrics struct {
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	callsInFlight    prometheus.Gauge
	callDuration     *prometheus.HistogramVec
	callErrors       *prometheus.CounterVec
	signalsDelivered prometheus.Counter
}

func newConnMetrics(reg prometheus.Registerer) *connMetrics {
	f := promauto.With(reg)
	return &connMetrics{
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dbus",
			Name:      "messages_sent_total",
			Help:      "Total messages written to the bus connection.",
		}),
		messagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dbus",
			Name:      "messages_received_total",
			Help:      "Total messages read from the bus connection.",
		}),
		callsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbus",
			Name:      "calls_in_flight",
			Help:      "Method calls awaiting a reply.",
		}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbus",
			Name:      "call_duration_seconds",
			Help:      "Method call round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"interface", "member"}),
		callErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbus",
			Name:      "call_errors_total",
			Help:      "Method calls that completed with an error reply.",
		}, []string{"interface", "member", "error_name"}),
		signalsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "dbus",
			Name:      "signals_delivered_total",
			Help:      "Signals dispatched to a local handler.",
		}),
	}
}
