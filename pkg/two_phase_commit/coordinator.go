package twophasecommit

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baxromumarov/shard-xa/pkg/adapter"
	"github.com/baxromumarov/shard-xa/pkg/decisionlog"
	"github.com/baxromumarov/shard-xa/pkg/engine"
	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/metrics"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/resource"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// ShardLookup resolves registered shards
type ShardLookup interface {
	Lookup(name string) (*resource.ShardResource, error)
}

// Config tunes the coordinator
type Config struct {
	// PrepareTimeout bounds phase 1. Zero means no bound.
	PrepareTimeout time.Duration
	// OnePhase commits a single-branch transaction without prepare.
	OnePhase bool
	// ParallelPrepare sends prepare to every branch at once.
	ParallelPrepare bool
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
}

// Coordinator drives global transactions through two-phase commit
type Coordinator struct {
	engine          engine.TransactionManager
	shards          ShardLookup
	prepareTimeout  time.Duration
	onePhase        bool
	parallelPrepare bool
	logger          *zap.Logger
	metrics         *metrics.Metrics

	mu           sync.Mutex
	transactions map[string]*GlobalTransaction
	seq          uint64
}

// NewCoordinator creates a new 2PC coordinator
func NewCoordinator(tm engine.TransactionManager, shards ShardLookup, cfg Config) *Coordinator {
	return &Coordinator{
		engine:          tm,
		shards:          shards,
		prepareTimeout:  cfg.PrepareTimeout,
		onePhase:        cfg.OnePhase,
		parallelPrepare: cfg.ParallelPrepare,
		logger:          logger.OrNop(cfg.Logger).With(zap.String("component", "coordinator")),
		metrics:         cfg.Metrics,
		transactions:    make(map[string]*GlobalTransaction),
	}
}

// Begin starts a global transaction. The returned context carries its id.
func (c *Coordinator) Begin(ctx context.Context) (context.Context, string, error) {
	id, err := c.engine.Begin(ctx)
	if err != nil {
		return ctx, "", errors.Wrap(err, "begin global transaction")
	}

	c.mu.Lock()
	c.seq++
	tx := newGlobalTransaction(id, c.seq)
	c.transactions[id] = tx
	c.mu.Unlock()

	c.metrics.TxBegun()
	c.logger.Debug("transaction begun", zap.String("tx", id))
	return WithTransaction(ctx, id), id, nil
}

// Enlist makes conn the branch of shard in transaction txID. Enlisting a
// shard twice is a no-op. If the branch cannot be started the transaction
// becomes rollback-only.
func (c *Coordinator) Enlist(ctx context.Context, txID, shard string, conn *sql.Conn, opts adapter.Options) error {
	tx, err := c.lookup(txID)
	if err != nil {
		return err
	}

	res, err := c.shards.Lookup(shard)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != protocol.StateActive {
		return errors.Wrapf(xa.ErrNoActiveTransaction, "transaction %s is %s", txID, tx.state)
	}
	if _, ok := tx.byShard[shard]; ok {
		return nil
	}

	branch, err := res.Wrap(ctx, conn, opts)
	if err != nil {
		return err
	}

	xid := xa.NewXid(tx.ID, shard)
	if err := c.engine.Start(ctx, xid, branch); err != nil {
		err = errors.WithMessagef(err, "enlist shard %s", shard)
		tx.markRollbackOnlyLocked(err)
		c.logger.Warn("enlistment failed, transaction is rollback-only",
			zap.String("tx", tx.ID),
			zap.String("shard", shard),
			zap.Error(err))
		return err
	}

	b := &EnlistedBranch{Shard: shard, Xid: xid, Resource: branch, state: protocol.BranchActive}
	tx.branches = append(tx.branches, b)
	tx.byShard[shard] = b

	c.logger.Debug("branch enlisted", zap.String("tx", tx.ID), zap.String("shard", shard))
	return nil
}

// EnlistCurrent enlists conn into the transaction carried by ctx.
func (c *Coordinator) EnlistCurrent(ctx context.Context, shard string, conn *sql.Conn, opts adapter.Options) error {
	txID, ok := TransactionID(ctx)
	if !ok {
		return errors.Wrap(xa.ErrNoActiveTransaction, "context carries no transaction")
	}
	return c.Enlist(ctx, txID, shard, conn, opts)
}

// Commit runs two-phase commit over every enlisted branch in enlistment
// order. The outcome is returned even when err is not nil.
func (c *Coordinator) Commit(ctx context.Context, txID string) (*Outcome, error) {
	tx, err := c.lookup(txID)
	if err != nil {
		return nil, err
	}

	tx.mu.Lock()
	if tx.state != protocol.StateActive {
		state := tx.state
		tx.mu.Unlock()
		return nil, errors.Wrapf(xa.ErrNoActiveTransaction, "transaction %s is %s", txID, state)
	}
	tx.state = protocol.StatePreparing
	branches := append([]*EnlistedBranch(nil), tx.branches...)
	tx.mu.Unlock()

	c.logger.Info("starting two-phase commit",
		zap.String("tx", tx.ID),
		zap.Strings("shards", tx.Shards()))

	err = c.commit(ctx, tx, branches)
	return c.finish(ctx, tx, err), err
}

// Rollback rolls back every enlisted branch. A transaction whose commit is
// still preparing is made rollback-only and Rollback waits for it to end.
func (c *Coordinator) Rollback(ctx context.Context, txID string) (*Outcome, error) {
	tx, err := c.lookup(txID)
	if err != nil {
		return nil, err
	}

	tx.mu.Lock()
	if tx.state == protocol.StateActive {
		tx.state = protocol.StateRollingBack
		tx.mu.Unlock()

		err := c.rollbackBranches(context.WithoutCancel(ctx), tx)
		tx.setState(protocol.StateRolledBack)
		if err != nil {
			err = errors.Wrapf(err, "rollback transaction %s", txID)
		}
		return c.finish(ctx, tx, err), err
	}

	if tx.state == protocol.StatePreparing {
		tx.markRollbackOnlyLocked(errors.New("rollback requested"))
	}
	tx.mu.Unlock()

	select {
	case <-tx.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := tx.outcome()
	if out.State != protocol.StateRolledBack {
		return out, errors.Errorf("transaction %s already ended %s", txID, out.State)
	}
	return out, nil
}

// Status returns the current outcome of an unfinished transaction.
func (c *Coordinator) Status(txID string) (*Outcome, error) {
	tx, err := c.lookup(txID)
	if err != nil {
		return nil, err
	}
	return tx.outcome(), nil
}

// Active lists unfinished transactions, oldest first.
func (c *Coordinator) Active() []protocol.ActiveTransaction {
	c.mu.Lock()
	txs := make([]*GlobalTransaction, 0, len(c.transactions))
	for _, tx := range c.transactions {
		txs = append(txs, tx)
	}
	c.mu.Unlock()

	sort.Slice(txs, func(i, j int) bool { return txs[i].seq < txs[j].seq })

	out := make([]protocol.ActiveTransaction, len(txs))
	for i, tx := range txs {
		tx.mu.Lock()
		out[i] = protocol.ActiveTransaction{
			TransactionID: tx.ID,
			State:         tx.state,
			Shards:        tx.shardsLocked(),
			Started:       tx.Started,
		}
		tx.mu.Unlock()
	}
	return out
}

func (c *Coordinator) lookup(txID string) (*GlobalTransaction, error) {
	c.mu.Lock()
	tx, ok := c.transactions[txID]
	c.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(xa.ErrNoActiveTransaction, "transaction %q", txID)
	}
	return tx, nil
}

func (c *Coordinator) commit(ctx context.Context, tx *GlobalTransaction, branches []*EnlistedBranch) error {
	// phase 2 and rollbacks must finish even if the caller gives up
	bg := context.WithoutCancel(ctx)

	if only, cause := tx.isRollbackOnly(); only {
		return c.rollbackOnly(bg, tx, cause)
	}

	switch {
	case len(branches) == 0:
		tx.setState(protocol.StateCommitted)
		return nil
	case len(branches) == 1 && c.onePhase:
		return c.commitOnePhase(bg, tx, branches[0])
	}

	// Phase 1: Prepare
	if err := c.preparePhase(ctx, tx, branches); err != nil {
		c.logger.Warn("prepare failed, rolling back", zap.String("tx", tx.ID), zap.Error(err))
		rbErr := c.abort(bg, tx)
		return errors.Wrapf(xa.ErrPrepareFailure, "transaction %s: %v", tx.ID, multierr.Append(err, rbErr))
	}

	// Phase 2: Commit
	return c.commitPhase(bg, tx)
}

// preparePhase asks every branch to prepare. It stops at the first negative
// vote; the caller rolls back.
func (c *Coordinator) preparePhase(ctx context.Context, tx *GlobalTransaction, branches []*EnlistedBranch) error {
	if c.prepareTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.prepareTimeout)
		defer cancel()
	}

	if c.parallelPrepare {
		g, gctx := errgroup.WithContext(ctx)
		for _, b := range branches {
			b := b
			g.Go(func() error {
				return c.prepareBranch(gctx, tx, b)
			})
		}
		return g.Wait()
	}

	for _, b := range branches {
		if err := c.prepareBranch(ctx, tx, b); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) prepareBranch(ctx context.Context, tx *GlobalTransaction, b *EnlistedBranch) error {
	vote, err := c.engine.Prepare(ctx, b.Xid, b.Resource)
	if err != nil {
		err = errors.WithMessagef(err, "prepare %s", b.Shard)
		tx.setBranchErr(b, err)
		return err
	}

	if vote == xa.VoteReadOnly {
		tx.setBranchState(b, protocol.BranchReadOnly)
	} else {
		tx.setBranchState(b, protocol.BranchPrepared)
	}
	return nil
}

// commitPhase logs the commit decision and commits every prepared branch.
// A failed branch is not retried; the transaction ends HEURISTIC_MIXED and
// the decision stays logged for recovery.
func (c *Coordinator) commitPhase(ctx context.Context, tx *GlobalTransaction) error {
	if ok, cause := tx.beginCommitting(); !ok {
		return c.rollbackOnly(ctx, tx, cause)
	}

	prepared := tx.branchesIn(protocol.BranchPrepared)
	if len(prepared) == 0 {
		tx.setState(protocol.StateCommitted)
		return nil
	}

	shards := make([]string, len(prepared))
	for i, b := range prepared {
		shards[i] = b.Shard
	}

	err := c.engine.LogDecision(ctx, decisionlog.Decision{
		GlobalID: tx.ID,
		Outcome:  protocol.OutcomeCommit,
		Shards:   shards,
	})
	if err != nil {
		c.logger.Error("could not log commit decision, rolling back", zap.String("tx", tx.ID), zap.Error(err))
		rbErr := c.abort(ctx, tx)
		return errors.Wrapf(xa.ErrPrepareFailure, "transaction %s: %v", tx.ID, multierr.Append(err, rbErr))
	}

	var failed []string
	for _, b := range prepared {
		if err := c.engine.Commit(ctx, b.Xid, b.Resource, false); err != nil {
			tx.setBranchErr(b, err)
			tx.setBranchState(b, protocol.BranchHeuristic)
			failed = append(failed, b.Shard)
			c.logger.Error("commit failed", zap.String("tx", tx.ID), zap.String("shard", b.Shard), zap.Error(err))
			continue
		}
		tx.setBranchState(b, protocol.BranchCommitted)
	}

	if len(failed) > 0 {
		tx.setState(protocol.StateHeuristicMixed)
		return errors.Wrapf(xa.ErrHeuristicOutcome, "transaction %s: commit failed on %v", tx.ID, failed)
	}

	if err := c.engine.ForgetDecision(ctx, tx.ID); err != nil {
		c.logger.Warn("could not remove commit decision", zap.String("tx", tx.ID), zap.Error(err))
	}
	tx.setState(protocol.StateCommitted)
	return nil
}

// commitOnePhase commits the only branch directly. A failed one-phase commit
// leaves nothing prepared, so the transaction is reported rolled back.
func (c *Coordinator) commitOnePhase(ctx context.Context, tx *GlobalTransaction, b *EnlistedBranch) error {
	if ok, cause := tx.beginCommitting(); !ok {
		return c.rollbackOnly(ctx, tx, cause)
	}

	if err := c.engine.Commit(ctx, b.Xid, b.Resource, true); err != nil {
		err = errors.WithMessagef(err, "one-phase commit %s", b.Shard)
		tx.setBranchErr(b, err)
		rbErr := c.abort(ctx, tx)
		return errors.Wrapf(xa.ErrPrepareFailure, "transaction %s: %v", tx.ID, multierr.Append(err, rbErr))
	}

	tx.setBranchState(b, protocol.BranchCommitted)
	tx.setState(protocol.StateCommitted)
	return nil
}

func (c *Coordinator) rollbackOnly(ctx context.Context, tx *GlobalTransaction, cause error) error {
	rbErr := c.abort(ctx, tx)
	return errors.Wrapf(xa.ErrRollbackOnly, "transaction %s: %v", tx.ID, multierr.Append(cause, rbErr))
}

func (c *Coordinator) abort(ctx context.Context, tx *GlobalTransaction) error {
	tx.setState(protocol.StateRollingBack)
	err := c.rollbackBranches(ctx, tx)
	tx.setState(protocol.StateRolledBack)
	return err
}

// rollbackBranches rolls back every unfinished branch in enlistment order. A
// prepared branch whose rollback fails is left to recovery.
func (c *Coordinator) rollbackBranches(ctx context.Context, tx *GlobalTransaction) error {
	var errs error
	for _, b := range tx.pendingRollback() {
		if err := c.engine.Rollback(ctx, b.Xid, b.Resource); err != nil {
			err = errors.WithMessagef(err, "rollback %s", b.Shard)
			tx.setBranchErr(b, err)
			errs = multierr.Append(errs, err)
			continue
		}
		tx.setBranchState(b, protocol.BranchRolledBack)
	}
	return errs
}

// finish releases a transaction that reached a terminal state.
func (c *Coordinator) finish(ctx context.Context, tx *GlobalTransaction, err error) *Outcome {
	fctx := context.WithoutCancel(ctx)
	for _, b := range tx.branchesIn(protocol.BranchCommitted, protocol.BranchRolledBack, protocol.BranchReadOnly) {
		if ferr := c.engine.Forget(fctx, b.Xid, b.Resource); ferr != nil {
			c.logger.Warn("forget branch", zap.String("tx", tx.ID), zap.String("shard", b.Shard), zap.Error(ferr))
		}
	}

	c.mu.Lock()
	delete(c.transactions, tx.ID)
	c.mu.Unlock()
	c.engine.End(tx.ID)
	close(tx.done)

	out := tx.outcome()
	c.metrics.TxFinished(string(out.State))

	fields := []zap.Field{
		zap.String("tx", tx.ID),
		zap.String("state", string(out.State)),
		zap.Int("branches", len(out.Branches)),
	}
	if err != nil {
		c.logger.Warn("transaction finished", append(fields, zap.Error(err))...)
	} else {
		c.logger.Info("transaction finished", fields...)
	}
	return out
}
