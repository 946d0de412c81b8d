// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts operator HTTP requests.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	TapReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_received_total",
		Help: "Upstream messages received by the ingestion tap.",
	})
	TapMirrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_mirrored_total",
		Help: "Upstream messages appended to the backlog.",
	})
	TapErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_errors_total",
		Help: "Upstream messages skipped as malformed or failed to append.",
	})

	DispatchAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_assigned_total",
		Help: "Backlog entries assigned to a worker.",
	})
	// DispatchSkipped is labelled by reason: claimed, stale or capacity.
	DispatchSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_skipped_total",
			Help: "Assignment attempts that did not place the entry.",
		},
		[]string{"reason"},
	)
	DispatchTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_timed_out_total",
		Help: "Assignments reclaimed after the visibility timeout.",
	})
	DispatchRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_requeued_total",
		Help: "Reclaimed assignments returned to the backlog.",
	})
	DispatchDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_dead_lettered_total",
		Help: "Reclaimed assignments that exhausted their retries.",
	})

	GatewayAcks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_acks_total",
			Help: "Acknowledgements applied, by status.",
		},
		[]string{"status"},
	)
	GatewayDuplicateAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_duplicate_acks_total",
		Help: "Acknowledgements that matched no live assignment.",
	})
	// GatewayRejected is labelled by reason: missing_credential, invalid_credential, capacity.
	GatewayRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rejected_total",
			Help: "Connection attempts refused by the gateway.",
		},
		[]string{"reason"},
	)
	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections",
		Help: "Open verifier connections.",
	})
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protocol_errors_total",
		Help: "Inbound messages dropped as malformed or unknown.",
	})

	// IsLeader marks whether this node runs the active dispatcher.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
