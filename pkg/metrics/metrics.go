package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesRouted tracks the total number of routed messages by outcome.
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postoffice_messages_routed_total",
			Help: "Total number of messages handled by the router, by route",
		},
		[]string{"route"},
	)

	// MessagesDropped tracks messages that matched no dispatch rule.
	MessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postoffice_messages_dropped_total",
			Help: "Total number of messages dropped with no route",
		},
	)

	// ClientConnections tracks the number of live client sockets.
	ClientConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postoffice_client_connections",
			Help: "Number of live client socket connections",
		},
	)

	// OfflineQueueDepth tracks the total number of messages deferred for
	// absent clients.
	OfflineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postoffice_offline_queue_depth",
			Help: "Messages queued for clients that are not connected",
		},
	)

	// FallbackQueueDepth tracks the number of messages waiting for HTTP
	// fallback delivery while the broker is down.
	FallbackQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postoffice_fallback_queue_depth",
			Help: "Messages queued for HTTP fallback delivery",
		},
	)

	// BrokerPublishes tracks publishes to the topic exchange by status.
	BrokerPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postoffice_broker_publishes_total",
			Help: "Total number of broker publishes by status",
		},
		[]string{"status"},
	)

	// RPCTimeouts tracks synchronous broker requests that hit the deadline.
	RPCTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postoffice_rpc_timeouts_total",
			Help: "Total number of broker RPC timeouts",
		},
	)

	// FallbackDeliveries tracks sweeper HTTP deliveries by status.
	FallbackDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postoffice_fallback_deliveries_total",
			Help: "Total number of fallback HTTP deliveries by status",
		},
		[]string{"status"},
	)
)
