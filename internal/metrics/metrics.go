// Package metrics exposes node counters on a dedicated prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "socialmesh"

type Metrics struct {
	registry *prometheus.Registry

	inbound         *prometheus.CounterVec
	pins            *prometheus.CounterVec
	heartbeats      *prometheus.CounterVec
	registrySize    prometheus.Gauge
	traversalStops  *prometheus.CounterVec
	taskRestarts    *prometheus.CounterVec
	registryEvicted prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound direct messages by outcome.",
		}, []string{"outcome"}),
		pins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pins_total",
			Help:      "Pin requests issued by reason and result.",
		}, []string{"reason", "result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Discovery heartbeats by direction and result.",
		}, []string{"direction", "result"}),
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_peers",
			Help:      "Peers currently held in the discovery registry.",
		}),
		traversalStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_traversal_stops_total",
			Help:      "Feed traversals by stop reason.",
		}, []string{"reason"}),
		taskRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_restarts_total",
			Help:      "Supervised background task restarts.",
		}, []string{"task"}),
		registryEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovered_peers_evicted_total",
			Help:      "Registry rows removed by the sweeper.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inbound, m.pins, m.heartbeats, m.registrySize,
		m.traversalStops, m.taskRestarts, m.registryEvicted,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveInbound counts an inbound message as "accepted" or by reject reason.
func (m *Metrics) ObserveInbound(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePin(reason string, err error) {
	if m == nil {
		return
	}
	m.pins.WithLabelValues(reason, result(err)).Inc()
}

func (m *Metrics) ObserveHeartbeat(direction string, err error) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(direction, result(err)).Inc()
}

func (m *Metrics) SetRegistrySize(n int) {
	if m == nil {
		return
	}
	m.registrySize.Set(float64(n))
}

func (m *Metrics) ObserveEvicted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.registryEvicted.Add(float64(n))
}

func (m *Metrics) ObserveTraversalStop(reason string) {
	if m == nil {
		return
	}
	m.traversalStops.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveTaskRestart(task string) {
	if m == nil {
		return
	}
	m.taskRestarts.WithLabelValues(task).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
