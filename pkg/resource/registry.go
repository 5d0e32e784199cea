// Package resource keeps the table of shard resources built from the current
// topology.
package resource

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/adapter"
	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/metrics"
	"github.com/baxromumarov/shard-xa/pkg/recovery"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// Topology maps shard names to the descriptors used to reach them.
type Topology map[string]adapter.Descriptor

// ShardResource is the registered form of one shard.
type ShardResource struct {
	Name       string
	Descriptor adapter.Descriptor
	Recovery   xa.RecoverableResource

	adapter adapter.Adapter
}

// Wrap turns a physical connection to this shard into a branch resource.
func (s *ShardResource) Wrap(ctx context.Context, conn *sql.Conn, opts adapter.Options) (xa.BranchResource, error) {
	return s.adapter.Wrap(ctx, s.Name, conn, opts)
}

// Close releases the recovery handle.
func (s *ShardResource) Close() error {
	if s.Recovery == nil {
		return nil
	}
	return s.Recovery.Close()
}

// Recovery is the part of the recovery manager the registry drives.
type Recovery interface {
	Register(shard string, res xa.RecoverableResource)
	Unregister(shard string, res xa.RecoverableResource)
	Startup(ctx context.Context) (*recovery.Report, error)
}

// AdapterResolver picks the adapter for a database type.
type AdapterResolver func(adapter.DatabaseType) (adapter.Adapter, error)

// Config configures a Registry.
type Config struct {
	Recovery Recovery
	// Adapters defaults to adapter.ForDatabaseType.
	Adapters AdapterResolver
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type snapshot map[string]*ShardResource

// Registry owns every ShardResource. Lookups read an immutable snapshot;
// Register and Unregister serialize on one lock.
type Registry struct {
	recovery Recovery
	adapters AdapterResolver
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	adapters := cfg.Adapters
	if adapters == nil {
		adapters = adapter.ForDatabaseType
	}

	r := &Registry{
		recovery: cfg.Recovery,
		adapters: adapters,
		logger:   logger.OrNop(cfg.Logger).With(zap.String("component", "registry")),
		metrics:  cfg.Metrics,
	}
	r.current.Store(&snapshot{})
	return r
}

// Register replaces the whole topology with t. Old resources are unregistered
// from recovery and closed before the new ones are built. If any shard of t
// cannot be built the registry is left empty. Once the new resources are in
// place the recovery manager is started and its report returned; if it cannot
// start, the registry is emptied again.
func (r *Registry) Register(ctx context.Context, t Topology) (*recovery.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked()

	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	next := make(snapshot, len(t))
	for _, name := range names {
		res, err := r.build(name, t[name])
		if err != nil {
			r.releaseLocked(next)
			r.logger.Error("topology registration failed", zap.String("shard", name), zap.Error(err))
			return nil, err
		}
		next[name] = res
		r.recovery.Register(name, res.Recovery)
	}

	r.current.Store(&next)
	r.metrics.SetShards(len(next))
	r.logger.Info("topology registered", zap.Strings("shards", names))

	report, err := r.recovery.Startup(ctx)
	if err != nil {
		r.evictLocked()
		r.logger.Error("topology registration failed", zap.Error(err))
		return nil, errors.Wrap(err, "start transaction engine")
	}
	return report, nil
}

// Lookup returns the resource registered under name.
func (r *Registry) Lookup(name string) (*ShardResource, error) {
	res, ok := (*r.current.Load())[name]
	if !ok {
		return nil, errors.Wrapf(xa.ErrUnknownShard, "shard %q", name)
	}
	return res, nil
}

// Names returns the registered shard names, sorted.
func (r *Registry) Names() []string {
	snap := *r.current.Load()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resources returns the registered resources sorted by name.
func (r *Registry) Resources() []*ShardResource {
	snap := *r.current.Load()
	out := make([]*ShardResource, 0, len(snap))
	for _, res := range snap {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Unregister removes every resource. It is a no-op on an empty registry.
func (r *Registry) Unregister() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
}

func (r *Registry) build(name string, d adapter.Descriptor) (*ShardResource, error) {
	if name == "" {
		return nil, errors.New("shard name must not be empty")
	}
	if err := xa.CheckBranchQualifier(name); err != nil {
		return nil, errors.Wrapf(xa.ErrAdapter, "shard %s: %v", name, err)
	}

	a, err := r.adapters(d.DatabaseType)
	if err != nil {
		return nil, errors.WithMessagef(err, "shard %s", name)
	}

	rec, err := a.OpenRecovery(name, d)
	if err != nil {
		return nil, errors.WithMessagef(err, "shard %s", name)
	}

	return &ShardResource{
		Name:       name,
		Descriptor: d,
		Recovery:   rec,
		adapter:    a,
	}, nil
}

func (r *Registry) evictLocked() {
	old := *r.current.Load()
	if len(old) == 0 {
		return
	}
	r.current.Store(&snapshot{})
	r.releaseLocked(old)
	r.metrics.SetShards(0)
	r.logger.Info("topology evicted", zap.Int("shards", len(old)))
}

func (r *Registry) releaseLocked(snap snapshot) {
	for name, res := range snap {
		r.recovery.Unregister(name, res.Recovery)
		if err := res.Close(); err != nil {
			r.logger.Warn("close shard resource", zap.String("shard", name), zap.Error(err))
		}
	}
}
