// Package metrics exposes Prometheus collectors for the gateway's
// routing core: node liveness, the client/channel directory, and
// per-service message throughput.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodesActive is incremented when this process registers itself in
	// the directory and decremented when it shuts down; other nodes in
	// the cluster are not counted.
	NodesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowgate_nodes_active",
			Help: "Node registrations made by this process that have not been shut down",
		},
	)

	// ClientsConnected tracks locally-hosted client connections.
	ClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowgate_clients_connected",
			Help: "Number of WebSocket clients connected to this node",
		},
	)

	// ChannelSubscriptions is registered for the number of distinct
	// channels this node serves at least one local subscriber for. No
	// code in the gateway sets it, so it always reports 0.
	ChannelSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowgate_channel_subscriptions",
			Help: "Number of channels with at least one local subscriber on this node",
		},
	)

	// RouterPublishesTotal counts sends issued by the router, labeled by
	// kind: the envelope type of a KVPS publish (direct_message,
	// broadcast, channel_message), or channel-standalone /
	// broadcast-standalone for local-only fan-out in standalone mode.
	RouterPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_router_publishes_total",
			Help: "Total number of KVPS publishes issued by the router",
		},
		[]string{"kind"},
	)

	// RouterDropsTotal counts sends the router could not deliver
	// anywhere, labeled by reason.
	RouterDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_router_drops_total",
			Help: "Total number of sends dropped by the router",
		},
		[]string{"reason"},
	)

	// RouterLocalDispatchTotal counts local egress writes performed by
	// the router and connection registry.
	RouterLocalDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_router_local_dispatch_total",
			Help: "Total number of messages written to local client egresses",
		},
		[]string{"result"},
	)

	// ServiceActionsTotal counts fan-out service actions handled,
	// labeled by service, action, and outcome.
	ServiceActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_service_actions_total",
			Help: "Total number of service actions handled by the ingress dispatcher",
		},
		[]string{"service", "action", "outcome"},
	)

	// KVPSErrorsTotal counts failed KVPS operations, labeled by op.
	KVPSErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_kvps_errors_total",
			Help: "Total number of KVPS operations that returned an error",
		},
		[]string{"op"},
	)

	// StandaloneMode reports 1 when this node has degraded to
	// standalone (directory unreachable), 0 otherwise.
	StandaloneMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowgate_standalone_mode",
			Help: "1 if this node is running in standalone mode, 0 if attached to the directory",
		},
	)
)

// RecordPublish increments the publish counter for the given kind
// (see RouterPublishesTotal).
func RecordPublish(kind string) {
	RouterPublishesTotal.WithLabelValues(kind).Inc()
}

// RecordDrop increments the drop counter for the given reason.
func RecordDrop(reason string) {
	RouterDropsTotal.WithLabelValues(reason).Inc()
}

// RecordLocalDispatch increments the local-dispatch counter for the
// given result ("success" or "failure").
func RecordLocalDispatch(result string) {
	RouterLocalDispatchTotal.WithLabelValues(result).Inc()
}

// RecordServiceAction increments the service action counter.
func RecordServiceAction(service, action, outcome string) {
	ServiceActionsTotal.WithLabelValues(service, action, outcome).Inc()
}

// RecordKVPSError increments the KVPS error counter for the given
// operation name.
func RecordKVPSError(op string) {
	KVPSErrorsTotal.WithLabelValues(op).Inc()
}

// SetStandalone updates the standalone-mode gauge.
func SetStandalone(standalone bool) {
	if standalone {
		StandaloneMode.Set(1)
	} else {
		StandaloneMode.Set(0)
	}
}
