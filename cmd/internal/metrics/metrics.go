// Package metrics exposes Herald's Prometheus collectors.
//
// All recording methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "herald"

type Metrics struct {
	reg *prometheus.Registry

	connections     prometheus.Gauge
	connectedUsers  prometheus.Gauge
	transitions     *prometheus.CounterVec
	broadcasts      prometheus.Counter
	deliveries      prometheus.Counter
	droppedEnvelope prometheus.Counter
	typingOps       *prometheus.CounterVec
	typingErrors    prometheus.Counter
	sweepDemotions  *prometheus.CounterVec
	sweepErrors     prometheus.Counter
	sweepDuration   prometheus.Histogram
	wsRejected      *prometheus.CounterVec
}

// New registers all collectors (plus Go and process collectors) on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Live websocket connections in this process.",
		}),
		connectedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected_users",
			Help: "Users with at least one live connection in this process.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_transitions_total",
			Help: "Presence status writes by resulting status and source.",
		}, []string{"status", "source"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcasts_total",
			Help: "presence.userUpdated envelopes fanned out.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Envelopes enqueued to subscriber connections.",
		}),
		droppedEnvelope: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_envelopes_total",
			Help: "Envelopes evicted from full subscriber queues.",
		}),
		typingOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "typing_ops_total",
			Help: "Typing index operations by kind.",
		}, []string{"op"}),
		typingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "typing_errors_total",
			Help: "Typing index operations that failed and were logged.",
		}),
		sweepDemotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_demotions_total",
			Help: "Records demoted by the idle sweeper, by target status.",
		}, []string{"to"}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_errors_total",
			Help: "Sweep passes that reported an error.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Wall time of one idle sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		wsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_rejected_total",
			Help: "Websocket handshakes rejected before going live, by reason.",
		}, []string{"reason"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.connectedUsers,
		m.transitions,
		m.broadcasts,
		m.deliveries,
		m.droppedEnvelope,
		m.typingOps,
		m.typingErrors,
		m.sweepDemotions,
		m.sweepErrors,
		m.sweepDuration,
		m.wsRejected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SetConnections(connections, users int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.connectedUsers.Set(float64(users))
}

func (m *Metrics) Transition(status, source string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, source).Inc()
}

func (m *Metrics) Broadcast(delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
	m.deliveries.Add(float64(delivered))
}

func (m *Metrics) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedEnvelope.Add(float64(n))
}

func (m *Metrics) TypingOp(op string, err error) {
	if m == nil {
		return
	}
	m.typingOps.WithLabelValues(op).Inc()
	if err != nil {
		m.typingErrors.Inc()
	}
}

func (m *Metrics) Sweep(to string, demoted int) {
	if m == nil {
		return
	}
	m.sweepDemotions.WithLabelValues(to).Add(float64(demoted))
}

func (m *Metrics) SweepFailed() {
	if m == nil {
		return
	}
	m.sweepErrors.Inc()
}

func (m *Metrics) ObserveSweep(seconds float64) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(seconds)
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.wsRejected.WithLabelValues(reason).Inc()
}
