package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aegis"

var streamStates = []string{"closed", "connecting", "open", "reconnecting"}

// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	streamState      *prometheus.GaugeVec
	streamReconnects prometheus.Counter
	streamEvents     *prometheus.CounterVec
	streamMalformed  prometheus.Counter
	listenerFailures *prometheus.CounterVec
	estimatesDropped prometheus.Counter
	applies          *prometheus.CounterVec
	resyncs          *prometheus.CounterVec
	resyncDuration   prometheus.Histogram
	sseClients       prometheus.Gauge
	sseDropped       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "state",
			Help: "Current live update connection state (1 for the active state).",
		}, []string{"state"}),
		streamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "reconnects_total",
			Help: "Reconnect attempts scheduled after a transport failure.",
		}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "events_total",
			Help: "Status events received, by type.",
		}, []string{"type"}),
		streamMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "malformed_frames_total",
			Help: "Inbound frames dropped as malformed.",
		}),
		listenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hub", Name: "listener_failures_total",
			Help: "Listener callbacks that returned an error or panicked.",
		}, []string{"registry", "listener"}),
		estimatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remediation", Name: "estimates_dropped_total",
			Help: "Estimate results discarded because the selection changed.",
		}),
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "remediation", Name: "applies_total",
			Help: "Remediation apply attempts, by outcome.",
		}, []string{"outcome"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resync", Name: "runs_total",
			Help: "Snapshot resyncs, by result.",
		}, []string{"result"}),
		resyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "resync", Name: "duration_seconds",
			Help:    "Time to fetch a full snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "event_stream_clients",
			Help: "Connected server-sent event clients.",
		}),
		sseDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "event_stream_evictions_total",
			Help: "Event stream clients disconnected for falling behind.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.streamState, m.streamReconnects, m.streamEvents, m.streamMalformed,
		m.listenerFailures, m.estimatesDropped, m.applies,
		m.resyncs, m.resyncDuration, m.sseClients, m.sseDropped,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StreamState(state string) {
	if m == nil {
		return
	}
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.streamState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) StreamReconnect() {
	if m == nil {
		return
	}
	m.streamReconnects.Inc()
}

func (m *Metrics) StreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) StreamMalformed() {
	if m == nil {
		return
	}
	m.streamMalformed.Inc()
}

func (m *Metrics) ListenerFailed(registry, listener string) {
	if m == nil {
		return
	}
	m.listenerFailures.WithLabelValues(registry, listener).Inc()
}

func (m *Metrics) EstimateDropped() {
	if m == nil {
		return
	}
	m.estimatesDropped.Inc()
}

func (m *Metrics) ApplyFinished(outcome string) {
	if m == nil {
		return
	}
	m.applies.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Resync(ok bool, took time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.resyncs.WithLabelValues(result).Inc()
	m.resyncDuration.Observe(took.Seconds())
}

func (m *Metrics) EventClientConnected() {
	if m == nil {
		return
	}
	m.sseClients.Inc()
}

func (m *Metrics) EventClientDisconnected(evicted bool) {
	if m == nil {
		return
	}
	m.sseClients.Dec()
	if evicted {
		m.sseDropped.Inc()
	}
}
