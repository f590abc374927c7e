// Package metrics declares the node's prometheus vectors as package-level
// variables, registered once via Register.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueriesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtnode_queries_sent_total",
			Help: "Outbound KRPC queries sent, by kind.",
		},
		[]string{"kind"},
	)

	QueriesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtnode_queries_received_total",
			Help: "Inbound KRPC queries received, by kind.",
		},
		[]string{"kind"},
	)

	RepliesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtnode_replies_received_total",
			Help: "Inbound KRPC replies received, by kind.",
		},
		[]string{"kind"},
	)

	TransactionTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtnode_transaction_timeouts_total",
			Help: "Outbound queries that timed out waiting for a reply.",
		},
		[]string{"kind"},
	)

	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dhtnode_transaction_duration_seconds",
			Help:    "Time from send_query to a settling reply.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"kind"},
	)

	BlocklistInsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtnode_blocklist_inserts_total",
			Help: "Entries added to the blocklist, by reason.",
		},
		[]string{"reason"},
	)

	RoutingTableSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dhtnode_routing_table_size",
			Help: "Routing table node count.",
		},
		[]string{"table"}, // "verified" | "unverified"
	)

	FirewallRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtnode_firewall_rejections_total",
			Help: "Requests rejected by the firewall layer.",
		},
		[]string{"reason"}, // "blocklisted" | "rate_limited"
	)

	PeerManagerInfohashes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dhtnode_peer_manager_infohashes",
			Help: "Distinct infohashes currently tracked by the peer manager.",
		},
	)

	MQLogAppendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtnode_mqlog_append_total",
			Help: "Records appended to the segmented log, by topic.",
		},
		[]string{"topic"},
	)

	MQLogPollTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtnode_mqlog_poll_total",
			Help: "Records delivered by poll_message, by topic and consumer.",
		},
		[]string{"topic", "consumer"},
	)

	MetadataFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dhtnode_metadata_fetch_duration_seconds",
			Help:    "Peer-wire metadata fetch latency by outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"outcome"}, // "ok" | "error"
	)
)

var registerOnce sync.Once

// Register registers every vector with the default prometheus registry.
// Idempotent: later calls are a no-op.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueriesSentTotal,
			QueriesReceivedTotal,
			RepliesReceivedTotal,
			TransactionTimeoutsTotal,
			TransactionDuration,
			BlocklistInsertsTotal,
			RoutingTableSize,
			FirewallRejectionsTotal,
			PeerManagerInfohashes,
			MQLogAppendTotal,
			MQLogPollTotal,
			MetadataFetchDuration,
		)
	})
}
