// ABOUTME: Prometheus collectors for sync engine observability
// ABOUTME: A nil *Metrics is valid and turns every recording call into a no-op

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the terminal and server expose. Callers
// that run without metrics pass nil; every method checks the receiver so
// the wiring stays unconditional.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth       prometheus.Gauge
	drainTotal       *prometheus.CounterVec
	evictionsTotal   prometheus.Counter
	reconnectsTotal  prometheus.Counter
	connectedSockets prometheus.Gauge
	pushesTotal      *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "branchsync_queue_depth",
			Help: "Number of mutations waiting in the local queue",
		}),
		drainTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "branchsync_drain_mutations_total",
			Help: "Mutations processed by queue drains, by outcome",
		}, []string{"outcome"}),
		evictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "branchsync_evictions_total",
			Help: "Mutations evicted from the queue",
		}),
		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "branchsync_realtime_reconnects_total",
			Help: "Realtime channel reconnect attempts",
		}),
		connectedSockets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "branchsync_connected_sockets",
			Help: "Currently connected realtime sockets",
		}),
		pushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "branchsync_pushes_total",
			Help: "Entity change events delivered to rooms, by room kind",
		}, []string{"room"}),
	}
}

// Handler returns an HTTP handler serving the registry, or a 404 handler
// when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetQueueDepth records the current number of queued mutations.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// DrainOutcome counts a processed mutation: "succeeded", "failed" or "evicted".
func (m *Metrics) DrainOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.drainTotal.WithLabelValues(outcome).Add(float64(n))
}

// Eviction counts a mutation removed from the queue without succeeding.
func (m *Metrics) Eviction() {
	if m == nil {
		return
	}
	m.evictionsTotal.Inc()
}

// Reconnect counts a realtime reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// SocketConnected adjusts the connected socket gauge by delta.
func (m *Metrics) SocketConnected(delta int) {
	if m == nil {
		return
	}
	m.connectedSockets.Add(float64(delta))
}

// Push counts an entity change delivered to a room.
func (m *Metrics) Push(room string) {
	if m == nil {
		return
	}
	m.pushesTotal.WithLabelValues(room).Inc()
}
