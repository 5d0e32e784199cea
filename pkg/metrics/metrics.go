// Package metrics holds the Prometheus collectors of the coordinator.
//
// A nil *Metrics is valid and records nothing, so components can be used
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector exported by the coordinator.
type Metrics struct {
	Transactions     *prometheus.CounterVec
	ActiveTx         prometheus.Gauge
	BranchOperations *prometheus.CounterVec
	Recovered        *prometheus.CounterVec
	RegisteredShards prometheus.Gauge
	ShardUp          *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardxa",
			Name:      "transactions_total",
			Help:      "Global transactions by final state.",
		}, []string{"state"}),
		ActiveTx: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardxa",
			Name:      "active_transactions",
			Help:      "Global transactions begun and not yet completed.",
		}),
		BranchOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardxa",
			Name:      "branch_operations_total",
			Help:      "Branch verbs issued to shards.",
		}, []string{"op", "result"}),
		Recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardxa",
			Name:      "recovered_branches_total",
			Help:      "In-doubt branches resolved by recovery.",
		}, []string{"action"}),
		RegisteredShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardxa",
			Name:      "registered_shards",
			Help:      "Shards in the current topology.",
		}),
		ShardUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardxa",
			Name:      "shard_up",
			Help:      "1 if the last ping of the shard succeeded.",
		}, []string{"shard"}),
	}

	if reg != nil {
		reg.MustRegister(m.Transactions, m.ActiveTx, m.BranchOperations, m.Recovered, m.RegisteredShards, m.ShardUp)
	}

	return m
}

// TxBegun records a new global transaction.
func (m *Metrics) TxBegun() {
	if m == nil {
		return
	}
	m.ActiveTx.Inc()
}

// TxFinished records the final state of a global transaction.
func (m *Metrics) TxFinished(state string) {
	if m == nil {
		return
	}
	m.ActiveTx.Dec()
	m.Transactions.WithLabelValues(state).Inc()
}

// BranchOp records one branch verb and whether it failed.
func (m *Metrics) BranchOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BranchOperations.WithLabelValues(op, result).Inc()
}

// BranchRecovered records a branch resolved by recovery.
func (m *Metrics) BranchRecovered(action string) {
	if m == nil {
		return
	}
	m.Recovered.WithLabelValues(action).Inc()
}

// SetShards records the size of the current topology.
func (m *Metrics) SetShards(n int) {
	if m == nil {
		return
	}
	m.RegisteredShards.Set(float64(n))
}

// SetShardUp records the result of the last ping of shard.
func (m *Metrics) SetShardUp(shard string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ShardUp.WithLabelValues(shard).Set(v)
}

// ForgetShard drops the per-shard series of a shard that left the topology.
func (m *Metrics) ForgetShard(shard string) {
	if m == nil {
		return
	}
	m.ShardUp.DeleteLabelValues(shard)
}
