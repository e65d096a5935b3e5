// Package metrics defines the Prometheus instrumentation shared by the
// gateway components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's counters and gauges around a private registry
// so multiple instances can coexist in one process (tests, embedded use).
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections    prometheus.Gauge
	BroadcastMessages    prometheus.Counter
	BatchDropped         prometheus.Counter
	RateLimited          prometheus.Counter
	RelayDuplicates      prometheus.Counter
	StreamAppendFailures prometheus.Counter
	ConnectionsReaped    prometheus.Counter
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_active_connections",
			Help: "Number of live WebSocket connections on this process.",
		}),
		BroadcastMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_broadcast_messages_total",
			Help: "Messages handed to the broadcast engine.",
		}),
		BatchDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_batch_dropped_total",
			Help: "Pending batch entries dropped under backpressure.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_rate_limited_total",
			Help: "Messages rejected by the rate limiter.",
		}),
		RelayDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_relay_duplicates_total",
			Help: "Cross-process relay messages suppressed as duplicates.",
		}),
		StreamAppendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_stream_append_failures_total",
			Help: "Durable log appends that failed and were skipped.",
		}),
		ConnectionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_connections_reaped_total",
			Help: "Stale connections removed by the periodic reaper.",
		}),
	}
}

// Handler returns the HTTP handler exposing this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
