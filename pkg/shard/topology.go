package shard

import (
	"context"

	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/adapter"
	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/recovery"
	"github.com/baxromumarov/shard-xa/pkg/resource"
)

// Registrar registers shards for enlistment and recovery.
type Registrar interface {
	Register(ctx context.Context, t resource.Topology) (*recovery.Report, error)
	Resources() []*resource.ShardResource
}

// Topology keeps the resource registry and the connection pool on the same
// set of shards.
type Topology struct {
	registry Registrar
	pool     *Pool
	logger   *zap.Logger
}

// NewTopology creates a topology manager over reg and pool.
func NewTopology(reg Registrar, pool *Pool, log *zap.Logger) *Topology {
	return &Topology{
		registry: reg,
		pool:     pool,
		logger:   logger.OrNop(log).With(zap.String("component", "topology")),
	}
}

// Apply replaces the topology. Recovery runs as part of it; shards it could
// not reconcile are reported but do not fail the call.
func (t *Topology) Apply(ctx context.Context, topo resource.Topology) (*recovery.Report, error) {
	report, err := t.registry.Register(ctx, topo)
	if err != nil {
		if rerr := t.pool.Reset(resource.Topology{}); rerr != nil {
			t.logger.Warn("drop shard pools", zap.Error(rerr))
		}
		return nil, err
	}

	if err := t.pool.Reset(topo); err != nil {
		return report, err
	}

	if rerr := report.Err(); rerr != nil {
		t.logger.Warn("recovery incomplete", zap.Strings("pending", report.Pending()), zap.Error(rerr))
	}
	t.logger.Info("topology applied",
		zap.Int("shards", len(topo)),
		zap.Int("committed", len(report.Committed)),
		zap.Int("rolled_back", len(report.RolledBack)))
	return report, nil
}

// Shards describes the registered shards without their DSNs.
func (t *Topology) Shards() []protocol.ShardInfo {
	res := t.registry.Resources()
	out := make([]protocol.ShardInfo, len(res))
	for i, r := range res {
		out[i] = protocol.ShardInfo{Name: r.Name, DatabaseType: string(r.Descriptor.DatabaseType)}
	}
	return out
}

// FromRequest converts a wire topology.
func FromRequest(req *protocol.TopologyRequest) resource.Topology {
	t := make(resource.Topology, len(req.Shards))
	for name, s := range req.Shards {
		t[name] = adapter.Descriptor{
			DatabaseType: adapter.ParseDatabaseType(s.DatabaseType),
			DSN:          s.DSN,
			MaxOpenConns: s.MaxOpenConns,
		}
	}
	return t
}
