// Package shard supplies physical shard connections and runs statement
// batches inside one global transaction.
package shard

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/adapter"
	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/resource"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// DefaultDriver is the database/sql driver registered by pgx/v5/stdlib.
const DefaultDriver = "pgx"

type shardDB struct {
	desc adapter.Descriptor
	db   *sql.DB
}

// Pool keeps one *sql.DB per shard of the current topology.
type Pool struct {
	driver string
	logger *zap.Logger

	mu  sync.RWMutex
	dbs map[string]shardDB
}

// NewPool creates an empty pool opening connections with driverName.
func NewPool(driverName string, log *zap.Logger) *Pool {
	if driverName == "" {
		driverName = DefaultDriver
	}
	return &Pool{
		driver: driverName,
		logger: logger.OrNop(log).With(zap.String("component", "pool")),
		dbs:    make(map[string]shardDB),
	}
}

// Reset makes t the pool's topology. Shards whose descriptor did not change
// keep their connections; the others are closed.
func (p *Pool) Reset(t resource.Topology) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]shardDB, len(t))
	opened := make([]*sql.DB, 0, len(t))
	for name, d := range t {
		if cur, ok := p.dbs[name]; ok && cur.desc == d {
			next[name] = cur
			continue
		}

		db, err := sql.Open(p.driver, d.DSN)
		if err != nil {
			for _, db := range opened {
				db.Close()
			}
			return errors.Wrapf(err, "shard %s: open pool", name)
		}
		if d.MaxOpenConns > 0 {
			db.SetMaxOpenConns(d.MaxOpenConns)
		}
		opened = append(opened, db)
		next[name] = shardDB{desc: d, db: db}
	}

	for name, s := range p.dbs {
		if n, ok := next[name]; ok && n.db == s.db {
			continue
		}
		if err := s.db.Close(); err != nil {
			p.logger.Warn("close shard pool", zap.String("shard", name), zap.Error(err))
		}
	}
	p.dbs = next
	return nil
}

// Conn takes a dedicated connection to shard from the pool. The caller must
// close it.
func (p *Pool) Conn(ctx context.Context, shard string) (*sql.Conn, error) {
	p.mu.RLock()
	s, ok := p.dbs[shard]
	p.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(xa.ErrUnknownShard, "shard %q", shard)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "shard %s: acquire connection", shard)
	}
	return conn, nil
}

// Ping checks every shard and returns the failures by shard name.
func (p *Pool) Ping(ctx context.Context) map[string]error {
	p.mu.RLock()
	dbs := make(map[string]*sql.DB, len(p.dbs))
	for name, s := range p.dbs {
		dbs[name] = s.db
	}
	p.mu.RUnlock()

	failed := make(map[string]error)
	for name, db := range dbs {
		if err := db.PingContext(ctx); err != nil {
			failed[name] = err
		}
	}
	return failed
}

// Shards returns the shard names of the pool, sorted.
func (p *Pool) Shards() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.dbs))
	for name := range p.dbs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close closes every shard pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var first error
	for name, s := range p.dbs {
		if err := s.db.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "shard %s: close pool", name)
		}
	}
	p.dbs = make(map[string]shardDB)
	return first
}
