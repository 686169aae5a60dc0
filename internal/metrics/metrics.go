// Package metrics holds prometheus instrumentation for the hub. Metrics
// feed the external monitoring collaborator; nothing in the hub reads
// them back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HubMetrics holds metrics for connection lifecycle and fan-out
type HubMetrics struct {
	// ConnectionsGauge tracks live connections.
	// Labels: scope (user, session, machine)
	ConnectionsGauge *prometheus.GaugeVec

	// HandshakeRejectedCounter counts rejected handshakes.
	// Labels: code (close code string)
	HandshakeRejectedCounter *prometheus.CounterVec

	// DeliveredCounter counts frames enqueued to connection outbound queues
	DeliveredCounter prometheus.Counter

	// DroppedCounter counts frames dropped because an outbound queue was at
	// capacity
	DroppedCounter prometheus.Counter

	// MalformedCounter counts inbound frames rejected by the normalizer
	MalformedCounter prometheus.Counter

	// EvictionsCounter counts hub-initiated connection evictions.
	// Labels: reason (inactivity, backpressure, shutdown)
	EvictionsCounter *prometheus.CounterVec

	// GroupResurrectionsCounter counts coordinator state rebuilds after
	// idle teardown
	GroupResurrectionsCounter prometheus.Counter

	// GroupsGauge tracks the number of account groups with live state
	GroupsGauge prometheus.Gauge
}

// Eviction reason label values
const (
	EvictionInactivity   = "inactivity"
	EvictionBackpressure = "backpressure"
	EvictionShutdown     = "shutdown"
)

// New creates and registers hub metrics with the given registerer
func New(reg prometheus.Registerer) *HubMetrics {
	factory := promauto.With(reg)

	return &HubMetrics{
		ConnectionsGauge: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "relaypoint",
				Subsystem: "hub",
				Name:      "connections",
				Help:      "Live connections by scope.",
			},
			[]string{"scope"},
		),
		HandshakeRejectedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaypoint",
				Subsystem: "hub",
				Name:      "handshake_rejected_total",
				Help:      "Handshakes rejected, by close code.",
			},
			[]string{"code"},
		),
		DeliveredCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaypoint",
				Subsystem: "hub",
				Name:      "frames_delivered_total",
				Help:      "Frames enqueued to connection outbound queues.",
			},
		),
		DroppedCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaypoint",
				Subsystem: "hub",
				Name:      "frames_dropped_total",
				Help:      "Frames dropped due to outbound queues at capacity.",
			},
		),
		MalformedCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaypoint",
				Subsystem: "hub",
				Name:      "frames_malformed_total",
				Help:      "Inbound frames rejected by the normalizer.",
			},
		),
		EvictionsCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relaypoint",
				Subsystem: "hub",
				Name:      "evictions_total",
				Help:      "Hub-initiated connection evictions, by reason.",
			},
			[]string{"reason"},
		),
		GroupResurrectionsCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relaypoint",
				Subsystem: "hub",
				Name:      "group_resurrections_total",
				Help:      "Coordinator state rebuilds after idle teardown.",
			},
		),
		GroupsGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relaypoint",
				Subsystem: "hub",
				Name:      "groups",
				Help:      "Account groups with live coordinator state.",
			},
		),
	}
}

// NewNop creates metrics registered against a throwaway registry, for tests
// and callers that do not scrape
func NewNop() *HubMetrics {
	return New(prometheus.NewRegistry())
}
