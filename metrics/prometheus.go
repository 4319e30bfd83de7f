package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dht"

// Metrics holds the Prometheus collectors of one DHT node. Each instance
// owns its registry so several nodes can live in one process.
//
// All recording methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Packet metrics
	PacketsReceivedTotal *prometheus.CounterVec
	PacketsSentTotal     *prometheus.CounterVec
	PacketsDroppedTotal  *prometheus.CounterVec

	// Session metrics
	HandshakesTotal *prometheus.CounterVec
	SessionsActive  prometheus.Gauge

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    prometheus.Counter

	// Lookup metrics
	LookupsTotal   *prometheus.CounterVec
	LookupDuration *prometheus.HistogramVec
	LookupRounds   prometheus.Histogram

	// Routing table metrics
	RoutingTableNodes        prometheus.Gauge
	RoutingTableReplacements prometheus.Gauge
	RoutingTableDepth        prometheus.Gauge
	EvictionsTotal           prometheus.Counter
}

// NewMetrics creates and registers all collectors for the given node.
func NewMetrics(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		registry: reg,

		PacketsReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "packets_received_total",
			Help:        "Total number of datagrams received, by packet type",
			ConstLabels: labels,
		}, []string{"type"}),
		PacketsSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "packets_sent_total",
			Help:        "Total number of datagrams sent, by packet type",
			ConstLabels: labels,
		}, []string{"type"}),
		PacketsDroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "packets_dropped_total",
			Help:        "Total number of inbound datagrams dropped, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),

		HandshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "handshakes_total",
			Help:        "Handshake events, by role and result",
			ConstLabels: labels,
		}, []string{"role", "result"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "active",
			Help:        "Number of sessions currently tracked",
			ConstLabels: labels,
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "requests_total",
			Help:        "Outbound requests, by message type and result",
			ConstLabels: labels,
		}, []string{"type", "result"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "request_duration_seconds",
			Help:        "Time from first send to final response part",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		}, []string{"type"}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "dispatcher",
			Name:        "retries_total",
			Help:        "Total number of request retransmissions",
			ConstLabels: labels,
		}),

		LookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "lookup",
			Name:        "total",
			Help:        "Iterative lookups, by kind and result",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
		LookupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "lookup",
			Name:        "duration_seconds",
			Help:        "Histogram of iterative lookup durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"kind"}),
		LookupRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "lookup",
			Name:        "rounds",
			Help:        "Number of rounds an iterative lookup ran",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(1, 1, 16),
		}),

		RoutingTableNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "routing_table",
			Name:        "nodes",
			Help:        "Number of live entries in the routing table",
			ConstLabels: labels,
		}),
		RoutingTableReplacements: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "routing_table",
			Name:        "replacements",
			Help:        "Number of records waiting in replacement caches",
			ConstLabels: labels,
		}),
		RoutingTableDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "routing_table",
			Name:        "depth",
			Help:        "Number of buckets after splitting",
			ConstLabels: labels,
		}),
		EvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "routing_table",
			Name:        "evictions_total",
			Help:        "Total number of entries evicted after failed liveness checks",
			ConstLabels: labels,
		}),
	}
}

// Registry returns the registry holding this node's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) PacketReceived(packetType string) {
	if m == nil {
		return
	}
	m.PacketsReceivedTotal.WithLabelValues(packetType).Inc()
}

func (m *Metrics) PacketSent(packetType string) {
	if m == nil {
		return
	}
	m.PacketsSentTotal.WithLabelValues(packetType).Inc()
}

func (m *Metrics) PacketDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Handshake(role, result string) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues(role, result).Inc()
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) RequestCompleted(msgType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(msgType, result).Inc()
	if result == "ok" {
		m.RequestDuration.WithLabelValues(msgType).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) RequestRetried() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) LookupCompleted(kind, result string, rounds int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LookupsTotal.WithLabelValues(kind, result).Inc()
	m.LookupDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.LookupRounds.Observe(float64(rounds))
}

func (m *Metrics) SetRoutingTable(nodes, replacements, depth int) {
	if m == nil {
		return
	}
	m.RoutingTableNodes.Set(float64(nodes))
	m.RoutingTableReplacements.Set(float64(replacements))
	m.RoutingTableDepth.Set(float64(depth))
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}
