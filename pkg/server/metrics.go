package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/parlor/pkg/chat"
	"github.com/aeolun/parlor/pkg/database"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections    prometheus.Gauge
	events         *prometheus.CounterVec
	messagesPosted prometheus.Counter
	flushes        *prometheus.CounterVec
	flushDuration  *prometheus.HistogramVec
}

var _ database.FlushObserver = (*Metrics)(nil)

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "parlor",
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parlor",
			Name:      "events_total",
			Help:      "Inbound events by type and outcome.",
		}, []string{"type", "outcome"}),
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "parlor",
			Name:      "messages_posted_total",
			Help:      "Messages accepted into a channel.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parlor",
			Name:      "snapshot_writes_total",
			Help:      "Snapshot write attempts by collection and result.",
		}, []string{"collection", "result"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "parlor",
			Name:      "snapshot_write_seconds",
			Help:      "Time spent writing one snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"collection"}),
	}

	m.registry.MustRegister(
		m.connections,
		m.events,
		m.messagesPosted,
		m.flushes,
		m.flushDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// TrackStats exports store sizes, sampled at scrape time.
func (m *Metrics) TrackStats(stats func() chat.Stats) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "parlor",
			Name:      "users",
			Help:      "Registered users.",
		}, func() float64 { return float64(stats().Users) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "parlor",
			Name:      "channels",
			Help:      "Channels of every type.",
		}, func() float64 { return float64(stats().Channels) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) eventHandled(typ, outcome string) {
	if m != nil {
		m.events.WithLabelValues(typ, outcome).Inc()
	}
}

func (m *Metrics) messagePosted() {
	if m != nil {
		m.messagesPosted.Inc()
	}
}

// ObserveFlush implements database.FlushObserver.
func (m *Metrics) ObserveFlush(c database.Collection, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.flushes.WithLabelValues(c.String(), result).Inc()
	if elapsed > 0 {
		m.flushDuration.WithLabelValues(c.String()).Observe(elapsed.Seconds())
	}
}
