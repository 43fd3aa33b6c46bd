// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every relay metric on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// Upstream
	FramesReceived     prometheus.Counter
	FramesDropped      prometheus.Counter
	UpstreamReconnects prometheus.Counter
	UpstreamConnected  prometheus.Gauge

	// Pipeline
	EventsNormalized prometheus.Counter
	EventsDeduped    prometheus.Counter
	EventsBroadcast  *prometheus.CounterVec
	EventsThrottled  *prometheus.CounterVec

	// Cache
	CacheL1Hits    prometheus.Counter
	CacheL2Hits    prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheWrites    prometheus.Counter
	CacheErrors    prometheus.Counter
	CacheFailovers prometheus.Counter

	// Hub
	ConnectionsTotal    prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec
	MessagesSent        prometheus.Counter
	MessagesDropped     prometheus.Counter
	RateLimited         prometheus.Counter

	// Bridge
	BridgePublished prometheus.Counter
	BridgeErrors    prometheus.Counter
}

// New builds and registers all relay metrics.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_frames_received_total",
		Help: "Total feed frames received from the upstream hub",
	})
	r.FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_frames_dropped_total",
		Help: "Total inbound frames dropped by the frame budget",
	})
	r.UpstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_upstream_reconnects_total",
		Help: "Total upstream reconnect attempts",
	})
	r.UpstreamConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_upstream_connected",
		Help: "Upstream session status (1=connected, 0=not connected)",
	})

	r.EventsNormalized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_normalized_total",
		Help: "Total canonical events produced by the normalizer",
	})
	r.EventsDeduped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_deduped_total",
		Help: "Total frames dropped by timestamp dedup",
	})
	r.EventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_broadcast_total",
		Help: "Total events fanned out to subscribers, by feed",
	}, []string{"feed"})
	r.EventsThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_throttled_total",
		Help: "Total events suppressed by the broadcast throttle, by feed",
	}, []string{"feed"})

	r.CacheL1Hits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_l1_hits_total",
		Help: "Total L1 cache hits",
	})
	r.CacheL2Hits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_l2_hits_total",
		Help: "Total L2 cache hits",
	})
	r.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_misses_total",
		Help: "Total cache misses",
	})
	r.CacheWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_writes_total",
		Help: "Total cache writes",
	})
	r.CacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_errors_total",
		Help: "Total L2 cache errors",
	})
	r.CacheFailovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_cache_failovers_total",
		Help: "Total transitions into cache failover mode",
	})

	r.ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total subscriber connections accepted",
	})
	r.ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current subscriber connections",
	})
	r.ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Total subscriber connections rejected, by reason",
	}, []string{"reason"})
	r.MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Total messages sent to subscribers",
	})
	r.MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_dropped_total",
		Help: "Total messages dropped on full subscriber send queues",
	})
	r.RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total subscriber messages rejected by the per-connection rate limit",
	})

	r.BridgePublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bridge_published_total",
		Help: "Total events mirrored to NATS",
	})
	r.BridgeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bridge_errors_total",
		Help: "Total NATS mirror publish errors",
	})

	r.reg.MustRegister(
		r.FramesReceived, r.FramesDropped, r.UpstreamReconnects, r.UpstreamConnected,
		r.EventsNormalized, r.EventsDeduped, r.EventsBroadcast, r.EventsThrottled,
		r.CacheL1Hits, r.CacheL2Hits, r.CacheMisses, r.CacheWrites, r.CacheErrors, r.CacheFailovers,
		r.ConnectionsTotal, r.ConnectionsActive, r.ConnectionsRejected,
		r.MessagesSent, r.MessagesDropped, r.RateLimited,
		r.BridgePublished, r.BridgeErrors,
	)

	return r
}

// Handler returns the scrape endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
