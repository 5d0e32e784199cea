package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/shard-xa/pkg/decisionlog"
	"github.com/baxromumarov/shard-xa/pkg/metrics"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/xa"
	"github.com/baxromumarov/shard-xa/pkg/xa/xatest"
)

func TestLocalBranchVerbs(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	e := NewLocal(Config{Metrics: m})

	gtrid, err := e.Begin(ctx)
	require.NoError(t, err)
	xid := xa.NewXid(gtrid, "ds_0")

	j := &xatest.Journal{}
	b := xatest.NewBranch("ds_0", j)

	require.NoError(t, e.Start(ctx, xid, b))
	vote, err := e.Prepare(ctx, xid, b)
	require.NoError(t, err)
	assert.Equal(t, xa.VoteOK, vote)
	require.NoError(t, e.Commit(ctx, xid, b, false))
	require.NoError(t, e.Forget(ctx, xid, b))

	assert.Equal(t, []string{"ds_0:start", "ds_0:prepare", "ds_0:commit", "ds_0:forget"}, j.Entries())
	assert.Equal(t, "COMMITTED", b.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BranchOperations.WithLabelValues("prepare", "ok")))
}

func TestLocalInFlight(t *testing.T) {
	e := NewLocal(Config{})

	a, err := e.Begin(context.Background())
	require.NoError(t, err)
	b, err := e.Begin(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	assert.True(t, e.InFlight(a))
	e.End(a)
	e.End(a)
	assert.False(t, e.InFlight(a))
	assert.True(t, e.InFlight(b))
	assert.False(t, e.InFlight("unknown"))
}

func TestLocalRecordsFailures(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	e := NewLocal(Config{Metrics: m})
	xid := xa.NewXid(xa.NewGlobalID(), "ds_1")

	b := xatest.NewBranch("ds_1", nil)
	b.RollbackErr = errors.New("connection reset")

	err := e.Rollback(ctx, xid, b)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BranchOperations.WithLabelValues("rollback", "error")))
}

func TestLocalBranchTimeout(t *testing.T) {
	e := NewLocal(Config{BranchTimeout: 20 * time.Millisecond})
	xid := xa.NewXid(xa.NewGlobalID(), "ds_0")

	b := xatest.NewBranch("ds_0", nil)
	b.PrepareDelay = time.Second

	start := time.Now()
	_, err := e.Prepare(context.Background(), xid, b)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLocalDecisions(t *testing.T) {
	ctx := context.Background()
	e := NewLocal(Config{})

	require.NoError(t, e.LogDecision(ctx, decisionlog.Decision{
		GlobalID: "tx-1",
		Outcome:  protocol.OutcomeCommit,
		Shards:   []string{"ds_0", "ds_1"},
	}))

	d, ok, err := e.Decision(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, d.LoggedAt.IsZero())

	all, err := e.Decisions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, e.ForgetDecision(ctx, "tx-1"))
	_, ok, err = e.Decision(ctx, "tx-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalRecoveryResources(t *testing.T) {
	ctx := context.Background()
	e := NewLocal(Config{})

	commitXid := xa.NewXid(xa.NewGlobalID(), "ds_0")
	abortXid := xa.NewXid(xa.NewGlobalID(), "ds_0")

	_, err := e.Recover(ctx, "ds_0")
	require.Error(t, err)

	r := xatest.NewRecoverable("ds_0", commitXid, abortXid)
	e.RegisterRecoveryResource("ds_0", r)

	xids, err := e.Recover(ctx, "ds_0")
	require.NoError(t, err)
	assert.ElementsMatch(t, []xa.Xid{commitXid, abortXid}, xids)

	require.NoError(t, e.Resolve(ctx, "ds_0", commitXid, true))
	require.NoError(t, e.Resolve(ctx, "ds_0", abortXid, false))

	assert.Equal(t, []xa.Xid{commitXid}, r.Committed())
	assert.Equal(t, []xa.Xid{abortXid}, r.RolledBack())
	assert.Equal(t, []xa.Xid{commitXid, abortXid}, r.Forgotten())
	assert.Empty(t, r.InDoubt())
}

func TestLocalUnregisterKeepsNewerResource(t *testing.T) {
	ctx := context.Background()
	e := NewLocal(Config{})

	old := xatest.NewRecoverable("ds_0")
	newer := xatest.NewRecoverable("ds_0", xa.NewXid(xa.NewGlobalID(), "ds_0"))

	e.RegisterRecoveryResource("ds_0", old)
	e.RegisterRecoveryResource("ds_0", newer)
	e.UnregisterRecoveryResource("ds_0", old)

	xids, err := e.Recover(ctx, "ds_0")
	require.NoError(t, err)
	assert.Len(t, xids, 1)

	e.UnregisterRecoveryResource("ds_0", newer)
	_, err = e.Recover(ctx, "ds_0")
	assert.Error(t, err)
}

type brokenLog struct{ decisionlog.Log }

func (brokenLog) List(context.Context) ([]decisionlog.Decision, error) {
	return nil, errors.New("disk unavailable")
}

func TestLocalStartup(t *testing.T) {
	ctx := context.Background()

	e := NewLocal(Config{})
	assert.False(t, e.Started())
	require.NoError(t, e.Startup(ctx))
	require.NoError(t, e.Startup(ctx))
	assert.True(t, e.Started())

	broken := NewLocal(Config{Log: brokenLog{decisionlog.NewMemoryLog()}})
	require.Error(t, broken.Startup(ctx))
	assert.False(t, broken.Started())
}
