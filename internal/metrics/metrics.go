// Package metrics exposes the relay's Prometheus collectors: connection
// counts, publish outcomes, and the two documented drop counters (push
// broadcast send failures, poll waiter buffer overflow).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Registry bundles every collector the relay reports, registered against a
// dedicated prometheus.Registry rather than the global default so tests can
// construct as many independent instances as they like.
type Registry struct {
	reg *prometheus.Registry

	PushConnections   prometheus.Gauge
	PollWaiters       prometheus.Gauge
	PublishTotal      *prometheus.CounterVec
	BroadcastDropped  *prometheus.CounterVec
	WaiterBufferDrops *prometheus.CounterVec
	StorageFailures   *prometheus.CounterVec
}

// New constructs and registers all collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsar_relay",
			Name:      "push_connections",
			Help:      "Current number of live push-socket connections.",
		}),
		PollWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsar_relay",
			Name:      "poll_waiters",
			Help:      "Current number of suspended long-poll waiters.",
		}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsar_relay",
			Name:      "publish_total",
			Help:      "Publish attempts by topic and outcome.",
		}, []string{"topic", "outcome"}),
		BroadcastDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsar_relay",
			Name:      "broadcast_dropped_total",
			Help:      "Push-socket sends abandoned because the connection was dead or too slow.",
		}, []string{"topic"}),
		WaiterBufferDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsar_relay",
			Name:      "waiter_buffer_dropped_total",
			Help:      "Deliveries dropped because a poll waiter's private buffer was full.",
		}, []string{"topic"}),
		StorageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsar_relay",
			Name:      "storage_failures_total",
			Help:      "Storage backend calls that exhausted retries.",
		}, []string{"operation"}),
	}
	reg.MustRegister(r.PushConnections, r.PollWaiters, r.PublishTotal, r.BroadcastDropped, r.WaiterBufferDrops, r.StorageFailures)
	return r
}

// SetPushConnections satisfies pushsocket.Metrics.
func (r *Registry) SetPushConnections(n int) {
	r.PushConnections.Set(float64(n))
}

// SetPollWaiters satisfies pollmgr's waiter-count metric hook.
func (r *Registry) SetPollWaiters(n int) {
	r.PollWaiters.Set(float64(n))
}

// ObserveStorageFailure satisfies the storage backend's failure metric hook.
func (r *Registry) ObserveStorageFailure(operation string) {
	r.StorageFailures.WithLabelValues(operation).Inc()
}

// ObservePublish satisfies publish.Metrics.
func (r *Registry) ObservePublish(topic string, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	r.PublishTotal.WithLabelValues(topic, outcome).Inc()
}

// Handler returns the /metrics HTTP handler serving this registry in
// Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
