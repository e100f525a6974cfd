package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ClientConnections prometheus.Gauge
	ClientMessages    *prometheus.CounterVec
	ClientErrors      *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	FramesTotal     *prometheus.CounterVec
	FramesDelivered prometheus.Counter
	FramesSkipped   prometheus.Counter
	CapturedBytes   prometheus.Counter

	UpstreamEvents *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "speech_gateway"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ClientConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_connections",
			Help:      "Number of open client WebSocket connections",
		}),
		ClientMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_messages_total",
			Help:      "Client messages received by type",
		}, []string{"type"}),
		ClientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_errors_total",
			Help:      "server.error messages sent by code",
		}, []string{"code"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active audio sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session starts by outcome",
		}, []string{"outcome"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Audio session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound audio frames by reassembly outcome",
		}, []string{"outcome"}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Frames released in order to the capture sink and ASR",
		}),
		FramesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Sequence numbers skipped by reorder window overflow",
		}),
		CapturedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_bytes_total",
			Help:      "PCM bytes written to capture files",
		}),
		UpstreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Events received from upstream bridges",
		}, []string{"bridge", "kind"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream bridge failures",
		}, []string{"bridge", "stage"}),
	}

	registry.MustRegister(
		m.ClientConnections,
		m.ClientMessages,
		m.ClientErrors,
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.FramesTotal,
		m.FramesDelivered,
		m.FramesSkipped,
		m.CapturedBytes,
		m.UpstreamEvents,
		m.UpstreamErrors,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ClientConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ClientConnections.Dec()
}

func (m *Metrics) ClientMessage(msgType string) {
	if m == nil {
		return
	}
	m.ClientMessages.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ClientError(code string) {
	if m == nil {
		return
	}
	m.ClientErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) SessionStarted(resumed bool) {
	if m == nil {
		return
	}
	if resumed {
		m.SessionsTotal.WithLabelValues("resumed").Inc()
		return
	}
	m.SessionsTotal.WithLabelValues("started").Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionStopped(duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) Frame(outcome string, delivered, skipped int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(outcome).Inc()
	if delivered > 0 {
		m.FramesDelivered.Add(float64(delivered))
	}
	if skipped > 0 {
		m.FramesSkipped.Add(float64(skipped))
	}
}

func (m *Metrics) Captured(bytes int) {
	if m == nil {
		return
	}
	m.CapturedBytes.Add(float64(bytes))
}

func (m *Metrics) UpstreamEvent(bridge, kind string) {
	if m == nil {
		return
	}
	m.UpstreamEvents.WithLabelValues(bridge, kind).Inc()
}

func (m *Metrics) UpstreamError(bridge, stage string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(bridge, stage).Inc()
}
