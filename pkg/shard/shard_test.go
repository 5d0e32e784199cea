package shard

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/shard-xa/pkg/adapter"
	"github.com/baxromumarov/shard-xa/pkg/engine"
	"github.com/baxromumarov/shard-xa/pkg/metrics"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/recovery"
	"github.com/baxromumarov/shard-xa/pkg/resource"
	twophasecommit "github.com/baxromumarov/shard-xa/pkg/two_phase_commit"
	"github.com/baxromumarov/shard-xa/pkg/xa"
	"github.com/baxromumarov/shard-xa/pkg/xa/xatest"
)

// recordingDriver accepts every statement except those containing FAIL and
// records them per DSN.
type recordingDriver struct {
	mu    sync.Mutex
	execs map[string][]string
}

var testDriver = &recordingDriver{execs: make(map[string][]string)}

func init() {
	sql.Register("shard-test", testDriver)
}

func (d *recordingDriver) Open(dsn string) (driver.Conn, error) {
	return &recordingConn{dsn: dsn, d: d}, nil
}

func (d *recordingDriver) statements(dsn string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.execs[dsn]...)
}

type recordingConn struct {
	dsn string
	d   *recordingDriver
}

func (c *recordingConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *recordingConn) Close() error              { return nil }
func (c *recordingConn) Begin() (driver.Tx, error) { return nil, errors.New("begin not supported") }

func (c *recordingConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if strings.Contains(query, "FAIL") {
		return nil, errors.New("syntax error at or near FAIL")
	}
	c.d.mu.Lock()
	c.d.execs[c.dsn] = append(c.d.execs[c.dsn], query)
	c.d.mu.Unlock()
	return driver.RowsAffected(1), nil
}

type setup struct {
	exec    *Executor
	pool    *Pool
	coord   *twophasecommit.Coordinator
	adapter *xatest.Adapter
	journal *xatest.Journal
	dsn     map[string]string
}

func newSetup(t *testing.T, shards ...string) *setup {
	t.Helper()

	j := &xatest.Journal{}
	fake := xatest.NewAdapter(j)
	e := engine.NewLocal(engine.Config{})
	reg := resource.NewRegistry(resource.Config{
		Recovery: recovery.NewManager(e, nil, nil),
		Adapters: func(adapter.DatabaseType) (adapter.Adapter, error) { return fake, nil },
	})

	topo := make(resource.Topology, len(shards))
	dsn := make(map[string]string, len(shards))
	for _, s := range shards {
		dsn[s] = t.Name() + "/" + s
		topo[s] = adapter.Descriptor{DatabaseType: adapter.PostgreSQL, DSN: dsn[s]}
	}
	_, err := reg.Register(context.Background(), topo)
	require.NoError(t, err)

	pool := NewPool("shard-test", nil)
	require.NoError(t, pool.Reset(topo))
	t.Cleanup(func() { pool.Close() })

	coord := twophasecommit.NewCoordinator(e, reg, twophasecommit.Config{OnePhase: true})
	return &setup{
		exec:    NewExecutor(coord, pool, nil),
		pool:    pool,
		coord:   coord,
		adapter: fake,
		journal: j,
		dsn:     dsn,
	}
}

func TestExecuteAcrossShards(t *testing.T) {
	s := newSetup(t, "s1", "s2")

	out, err := s.exec.Execute(context.Background(), protocol.TransactionRequest{
		Statements: []protocol.Statement{
			{Shard: "s1", SQL: "UPDATE accounts SET balance = balance - $1 WHERE id = $2", Args: []any{10, 1}},
			{Shard: "s2", SQL: "UPDATE accounts SET balance = balance + $1 WHERE id = $2", Args: []any{10, 7}},
			{Shard: "s1", SQL: "INSERT INTO ledger VALUES (1)"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.StateCommitted, out.State)
	require.Len(t, out.Branches, 2)
	assert.Equal(t, "s1", out.Branches[0].Shard)
	assert.Equal(t, "s2", out.Branches[1].Shard)
	assert.Equal(t, 2, s.adapter.Wraps())

	assert.Len(t, testDriver.statements(s.dsn["s1"]), 2)
	assert.Len(t, testDriver.statements(s.dsn["s2"]), 1)
	assert.Empty(t, s.coord.Active())
}

func TestExecuteStatementFailureRollsBack(t *testing.T) {
	s := newSetup(t, "s1", "s2")

	out, err := s.exec.Execute(context.Background(), protocol.TransactionRequest{
		Statements: []protocol.Statement{
			{Shard: "s1", SQL: "INSERT INTO t VALUES (1)"},
			{Shard: "s2", SQL: "FAIL"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard s2")

	require.NotNil(t, out)
	assert.Equal(t, protocol.StateRolledBack, out.State)
	assert.Equal(t, "ROLLED_BACK", s.adapter.Branch("s1").State())
	assert.Equal(t, "ROLLED_BACK", s.adapter.Branch("s2").State())
	assert.NotContains(t, s.journal.Entries(), "s1:prepare")
}

func TestExecuteUnknownShard(t *testing.T) {
	s := newSetup(t, "s1", "s2")

	out, err := s.exec.Execute(context.Background(), protocol.TransactionRequest{
		Statements: []protocol.Statement{
			{Shard: "s1", SQL: "INSERT INTO t VALUES (1)"},
			{Shard: "s3", SQL: "INSERT INTO t VALUES (2)"},
		},
	})
	require.ErrorIs(t, err, xa.ErrUnknownShard)
	assert.Equal(t, protocol.StateRolledBack, out.State)
	assert.Len(t, out.Branches, 1)
}

func TestExecuteEmpty(t *testing.T) {
	s := newSetup(t, "s1")

	_, err := s.exec.Execute(context.Background(), protocol.TransactionRequest{})
	require.ErrorIs(t, err, ErrEmptyTransaction)
	assert.Empty(t, s.coord.Active())
}

func TestExecutePassesOptions(t *testing.T) {
	s := newSetup(t, "s1", "s2")

	out, err := s.exec.Execute(context.Background(), protocol.TransactionRequest{
		Statements: []protocol.Statement{
			{Shard: "s1", SQL: "SELECT 1"},
			{Shard: "s2", SQL: "SELECT 2"},
		},
		ReadOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StateCommitted, out.State)
	for _, b := range out.Branches {
		assert.Equal(t, protocol.BranchReadOnly, b.State)
	}
}

func TestPoolReset(t *testing.T) {
	pool := NewPool("shard-test", nil)
	defer pool.Close()

	require.NoError(t, pool.Reset(resource.Topology{
		"s1": {DSN: "reset/s1"},
		"s2": {DSN: "reset/s2"},
	}))
	assert.Equal(t, []string{"s1", "s2"}, pool.Shards())

	before := pool.dbs["s1"].db

	require.NoError(t, pool.Reset(resource.Topology{
		"s1": {DSN: "reset/s1"},
		"s3": {DSN: "reset/s3"},
	}))
	assert.Equal(t, []string{"s1", "s3"}, pool.Shards())
	assert.Same(t, before, pool.dbs["s1"].db)

	_, err := pool.Conn(context.Background(), "s2")
	require.ErrorIs(t, err, xa.ErrUnknownShard)

	conn, err := pool.Conn(context.Background(), "s3")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.Empty(t, pool.Ping(context.Background()))
}

func TestPoolUnknownDriver(t *testing.T) {
	pool := NewPool("no-such-driver", nil)
	err := pool.Reset(resource.Topology{"s1": {DSN: "x"}})
	require.Error(t, err)
	assert.Empty(t, pool.Shards())
}

func TestTopologyApply(t *testing.T) {
	fake := xatest.NewAdapter(nil)
	fake.InDoubt["s1"] = []xa.Xid{xa.NewXid(xa.NewGlobalID(), "s1")}

	e := engine.NewLocal(engine.Config{})
	reg := resource.NewRegistry(resource.Config{
		Recovery: recovery.NewManager(e, nil, nil),
		Adapters: func(adapter.DatabaseType) (adapter.Adapter, error) { return fake, nil },
	})
	pool := NewPool("shard-test", nil)
	defer pool.Close()

	topo := NewTopology(reg, pool, nil)
	report, err := topo.Apply(context.Background(), FromRequest(&protocol.TopologyRequest{
		Shards: map[string]protocol.ShardDescriptor{
			"s1": {DatabaseType: "Postgres", DSN: "topology/s1"},
			"s2": {DatabaseType: "postgresql", DSN: "topology/s2", MaxOpenConns: 3},
		},
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2"}, report.Resources)
	assert.Len(t, report.RolledBack, 1)
	assert.Equal(t, []string{"s1", "s2"}, pool.Shards())
	assert.Equal(t, []protocol.ShardInfo{
		{Name: "s1", DatabaseType: "postgresql"},
		{Name: "s2", DatabaseType: "postgresql"},
	}, topo.Shards())
}

func TestTopologyApplyFailureEmptiesPool(t *testing.T) {
	e := engine.NewLocal(engine.Config{})
	reg := resource.NewRegistry(resource.Config{
		Recovery: recovery.NewManager(e, nil, nil),
		Adapters: adapter.ForDatabaseType,
	})
	pool := NewPool("shard-test", nil)
	defer pool.Close()
	require.NoError(t, pool.Reset(resource.Topology{"old": {DSN: "topology/old"}}))

	topo := NewTopology(reg, pool, nil)
	_, err := topo.Apply(context.Background(), resource.Topology{
		"s1": {DatabaseType: adapter.MySQL, DSN: "topology/s1"},
	})
	require.ErrorIs(t, err, xa.ErrAdapter)
	assert.Empty(t, pool.Shards())
	assert.Empty(t, topo.Shards())
}

type fakePinger struct {
	mu     sync.Mutex
	shards []string
	failed map[string]error
	pings  int
}

func (p *fakePinger) Shards() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.shards...)
}

func (p *fakePinger) Ping(ctx context.Context) map[string]error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings++
	out := make(map[string]error, len(p.failed))
	for k, v := range p.failed {
		out[k] = v
	}
	return out
}

func (p *fakePinger) set(shards []string, failed map[string]error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shards = shards
	p.failed = failed
}

func (p *fakePinger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}

func TestHealthMonitorTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := &fakePinger{}
	h := NewHealthMonitor(p, time.Minute, nil, m)

	p.set([]string{"s1", "s2"}, map[string]error{"s2": errors.New("connection refused")})
	down := h.Check(context.Background())
	assert.Len(t, down, 1)
	assert.Equal(t, []string{"s2"}, h.Unhealthy())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShardUp.WithLabelValues("s1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ShardUp.WithLabelValues("s2")))

	p.set([]string{"s2"}, nil)
	h.Check(context.Background())
	assert.Empty(t, h.Unhealthy())
	assert.Equal(t, 1, testutil.CollectAndCount(m.ShardUp))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShardUp.WithLabelValues("s2")))
}

func TestHealthMonitorLoop(t *testing.T) {
	p := &fakePinger{shards: []string{"s1"}}
	h := NewHealthMonitor(p, 10*time.Millisecond, nil, nil)

	h.Start()
	require.Eventually(t, func() bool { return p.count() >= 2 }, time.Second, 5*time.Millisecond)
	h.Stop()
	h.Stop()

	n := p.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, p.count())
}
