// Package metrics provides Prometheus metrics for a meshkv node.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all meshkv metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// nodeMetricsOnce ensures metrics are only initialized once.
var nodeMetricsOnce sync.Once

// nodeMetricsInstance is the singleton instance of node metrics.
var nodeMetricsInstance *NodeMetrics

// NodeMetrics holds all Prometheus metrics for a meshkv node.
type NodeMetrics struct {
	// Transaction outcomes, labeled by namespace, operation, and result
	TransactionsTotal *prometheus.CounterVec

	// Coordination protocol counters
	DupResRounds        prometheus.Counter     // duplicate-resolution rounds started
	TransactionRestarts prometheus.Counter     // transactions restarted after a partial round
	Retransmits         *prometheus.CounterVec // resent messages, labeled by step
	StaleReplies        prometheus.Counter     // replies dropped for a stale TID or state
	ReplConfirms        prometheus.Counter     // replication-confirm messages sent

	// Replica-side counters
	ReplicaWrites    prometheus.Counter // replica writes applied
	ReplicaReapplies prometheus.Counter // replica writes deduplicated as re-applies

	// Registry gauge
	InFlight prometheus.Gauge // live entries in the request registry

	// Sampled by the Collector
	Records           *prometheus.GaugeVec // stored records per namespace
	UnreplicatedMarks prometheus.Gauge     // records awaiting replication confirm

	// Fabric stats
	FabricBytesSent     prometheus.Counter
	FabricBytesReceived prometheus.Counter
	FabricRateLimited   prometheus.Counter     // inbound messages dropped by the rate limiter
	FabricLinkUp        *prometheus.GaugeVec   // link state per peer node (1=up, 0=down)
	FabricSendQueue     *prometheus.GaugeVec   // send queue depth per peer node
	FabricReconnects    *prometheus.CounterVec // redial attempts per peer node
}

// InitNodeMetrics initializes all node metrics with the node ID as a
// constant label. Metrics are only registered once; subsequent calls
// return the same instance. Pass nil to use the package registry.
func InitNodeMetrics(registry prometheus.Registerer, nodeID string) *NodeMetrics {
	nodeMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		constLabels := prometheus.Labels{
			"node": nodeID,
		}

		nodeMetricsInstance = &NodeMetrics{
			TransactionsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name:        "meshkv_transactions_total",
				Help:        "Completed transactions by namespace, operation, and result",
				ConstLabels: constLabels,
			}, []string{"namespace", "op", "result"}),

			DupResRounds: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_dup_resolution_rounds_total",
				Help:        "Duplicate-resolution rounds started",
				ConstLabels: constLabels,
			}),
			TransactionRestarts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_transaction_restarts_total",
				Help:        "Transactions restarted after an inconclusive protocol step",
				ConstLabels: constLabels,
			}),
			Retransmits: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name:        "meshkv_retransmits_total",
				Help:        "Coordination messages retransmitted, by protocol step",
				ConstLabels: constLabels,
			}, []string{"step"}),
			StaleReplies: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_stale_replies_total",
				Help:        "Replies dropped because their TID or protocol state was stale",
				ConstLabels: constLabels,
			}),
			ReplConfirms: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_repl_confirms_total",
				Help:        "Replication-confirm messages sent after full acknowledgement",
				ConstLabels: constLabels,
			}),

			ReplicaWrites: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_replica_writes_total",
				Help:        "Replica writes applied on this node",
				ConstLabels: constLabels,
			}),
			ReplicaReapplies: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_replica_reapplies_total",
				Help:        "Replica writes recognized as retransmissions and not re-applied",
				ConstLabels: constLabels,
			}),

			InFlight: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name:        "meshkv_transactions_in_flight",
				Help:        "Live entries in the request registry",
				ConstLabels: constLabels,
			}),

			Records: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name:        "meshkv_records",
				Help:        "Stored records per namespace, tombstones included",
				ConstLabels: constLabels,
			}, []string{"namespace"}),
			UnreplicatedMarks: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name:        "meshkv_unreplicated_records",
				Help:        "Replica-side records still awaiting a replication confirm",
				ConstLabels: constLabels,
			}),

			FabricBytesSent: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_fabric_bytes_sent_total",
				Help:        "Bytes sent on node-to-node links",
				ConstLabels: constLabels,
			}),
			FabricBytesReceived: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_fabric_bytes_received_total",
				Help:        "Bytes received on node-to-node links",
				ConstLabels: constLabels,
			}),
			FabricRateLimited: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name:        "meshkv_fabric_rate_limited_total",
				Help:        "Inbound fabric messages dropped by the rate limiter",
				ConstLabels: constLabels,
			}),
			FabricLinkUp: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name:        "meshkv_fabric_link_up",
				Help:        "Fabric link state per peer node (1=up, 0=down)",
				ConstLabels: constLabels,
			}, []string{"peer"}),
			FabricSendQueue: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
				Name:        "meshkv_fabric_send_queue_depth",
				Help:        "Messages waiting in the send queue per peer node",
				ConstLabels: constLabels,
			}, []string{"peer"}),
			FabricReconnects: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name:        "meshkv_fabric_reconnects_total",
				Help:        "Fabric link redial attempts per peer node",
				ConstLabels: constLabels,
			}, []string{"peer"}),
		}
	})

	return nodeMetricsInstance
}
