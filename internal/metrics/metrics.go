// Package metrics exposes Prometheus counters/gauges for the Gateway,
// generalizing the teacher's expvar counters (hub.go's topicsLive) to the
// pack-standard client_golang registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsBound counts successful Session Registry binds.
	SessionsBound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumichat_gateway_sessions_bound_total",
		Help: "Total number of sessions bound to a device.",
	})

	// SessionsEvicted counts evictions caused by a relogin on the same
	// device.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumichat_gateway_sessions_evicted_total",
		Help: "Total number of sessions evicted by a newer login on the same device.",
	})

	// SessionsReaped counts sessions closed by the heartbeat reaper.
	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumichat_gateway_sessions_reaped_total",
		Help: "Total number of sessions closed for missed heartbeats.",
	})

	// SlowConsumerDisconnects counts sessions closed for outbound queue
	// overflow.
	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumichat_gateway_slow_consumer_disconnects_total",
		Help: "Total number of sessions closed for a full outbound queue.",
	})

	// OfflineQueueDepth tracks the current count of pending offline
	// queue entries known to this node (best-effort, sampled).
	OfflineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumichat_gateway_offline_queue_depth",
		Help: "Last observed count of pending offline queue entries.",
	})

	// MessagesRouted counts successfully persisted and fanned-out chat
	// messages.
	MessagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumichat_gateway_messages_routed_total",
		Help: "Total number of chat messages successfully persisted and routed.",
	})

	// LiveSessions tracks the number of sessions currently bound on this
	// node.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumichat_gateway_live_sessions",
		Help: "Number of sessions currently bound on this node.",
	})

	// ClusterPublishMiss counts Publish calls for a user with no known
	// remote presence and no ring owner to fall back to.
	ClusterPublishMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumichat_gateway_cluster_publish_miss_total",
		Help: "Total number of cross-node publishes dropped for lack of a reachable target node.",
	})
)
