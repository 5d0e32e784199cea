// Package engine is the transaction manager the coordinator delegates
// branch-level verbs to.
//
// TransactionManager is the capability set the coordination layer needs from
// an XA engine. Local is the one implementation shipped here; it talks to
// branch and recovery resources directly, keeps commit decisions in a
// decisionlog.Log and owns the table of recovery resources.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/decisionlog"
	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/metrics"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// TransactionManager is the underlying XA transaction engine.
type TransactionManager interface {
	// Begin allocates the id of a new global transaction and tracks it as
	// in flight until End.
	Begin(ctx context.Context) (string, error)
	End(globalID string)
	// InFlight reports whether a transaction begun here has not ended yet.
	// Recovery leaves the branches of such transactions alone.
	InFlight(globalID string) bool

	Start(ctx context.Context, xid xa.Xid, r xa.BranchResource) error
	Prepare(ctx context.Context, xid xa.Xid, r xa.BranchResource) (xa.Vote, error)
	Commit(ctx context.Context, xid xa.Xid, r xa.BranchResource, onePhase bool) error
	Rollback(ctx context.Context, xid xa.Xid, r xa.BranchResource) error
	Forget(ctx context.Context, xid xa.Xid, r xa.BranchResource) error

	LogDecision(ctx context.Context, d decisionlog.Decision) error
	Decision(ctx context.Context, globalID string) (decisionlog.Decision, bool, error)
	ForgetDecision(ctx context.Context, globalID string) error
	Decisions(ctx context.Context) ([]decisionlog.Decision, error)

	// Recover lists the in-doubt branches of a registered recovery resource.
	Recover(ctx context.Context, name string) ([]xa.Xid, error)
	// Resolve commits or rolls back an in-doubt branch and forgets it.
	Resolve(ctx context.Context, name string, xid xa.Xid, commit bool) error

	RegisterRecoveryResource(name string, r xa.RecoverableResource)
	UnregisterRecoveryResource(name string, r xa.RecoverableResource)

	Startup(ctx context.Context) error
	Started() bool
}

// Config configures a Local engine.
type Config struct {
	// BranchTimeout bounds every single branch call. Zero means no bound
	// beyond the caller's context.
	BranchTimeout time.Duration
	Log           decisionlog.Log
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Local is the in-process TransactionManager.
type Local struct {
	branchTimeout time.Duration
	log           decisionlog.Log
	logger        *zap.Logger
	metrics       *metrics.Metrics

	mu        sync.Mutex
	resources map[string]xa.RecoverableResource
	live      map[string]struct{}
	started   bool
}

var _ TransactionManager = (*Local)(nil)

// NewLocal creates a Local engine. A nil decision log falls back to memory.
func NewLocal(cfg Config) *Local {
	log := cfg.Log
	if log == nil {
		log = decisionlog.NewMemoryLog()
	}

	return &Local{
		branchTimeout: cfg.BranchTimeout,
		log:           log,
		logger:        logger.OrNop(cfg.Logger).With(zap.String("component", "engine")),
		metrics:       cfg.Metrics,
		resources:     make(map[string]xa.RecoverableResource),
		live:          make(map[string]struct{}),
	}
}

func (e *Local) Begin(ctx context.Context) (string, error) {
	id := xa.NewGlobalID()

	e.mu.Lock()
	e.live[id] = struct{}{}
	e.mu.Unlock()

	return id, nil
}

func (e *Local) End(globalID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, globalID)
}

func (e *Local) InFlight(globalID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.live[globalID]
	return ok
}

func (e *Local) Start(ctx context.Context, xid xa.Xid, r xa.BranchResource) error {
	ctx, cancel := e.branchContext(ctx)
	defer cancel()

	err := r.Start(ctx, xid)
	e.observe("start", xid, err)
	return err
}

func (e *Local) Prepare(ctx context.Context, xid xa.Xid, r xa.BranchResource) (xa.Vote, error) {
	ctx, cancel := e.branchContext(ctx)
	defer cancel()

	vote, err := r.Prepare(ctx, xid)
	e.observe("prepare", xid, err)
	return vote, err
}

func (e *Local) Commit(ctx context.Context, xid xa.Xid, r xa.BranchResource, onePhase bool) error {
	ctx, cancel := e.branchContext(ctx)
	defer cancel()

	op := "commit"
	if onePhase {
		op = "commit_one_phase"
	}
	err := r.Commit(ctx, xid, onePhase)
	e.observe(op, xid, err)
	return err
}

func (e *Local) Rollback(ctx context.Context, xid xa.Xid, r xa.BranchResource) error {
	ctx, cancel := e.branchContext(ctx)
	defer cancel()

	err := r.Rollback(ctx, xid)
	e.observe("rollback", xid, err)
	return err
}

func (e *Local) Forget(ctx context.Context, xid xa.Xid, r xa.BranchResource) error {
	ctx, cancel := e.branchContext(ctx)
	defer cancel()

	err := r.Forget(ctx, xid)
	e.observe("forget", xid, err)
	return err
}

func (e *Local) LogDecision(ctx context.Context, d decisionlog.Decision) error {
	if d.LoggedAt.IsZero() {
		d.LoggedAt = time.Now()
	}
	if err := e.log.Record(ctx, d); err != nil {
		return errors.Wrapf(err, "log decision for %s", d.GlobalID)
	}
	e.logger.Debug("decision logged",
		zap.String("gtrid", d.GlobalID),
		zap.String("outcome", string(d.Outcome)),
		zap.Strings("shards", d.Shards))
	return nil
}

func (e *Local) Decision(ctx context.Context, globalID string) (decisionlog.Decision, bool, error) {
	return e.log.Lookup(ctx, globalID)
}

func (e *Local) ForgetDecision(ctx context.Context, globalID string) error {
	return e.log.Remove(ctx, globalID)
}

func (e *Local) Decisions(ctx context.Context) ([]decisionlog.Decision, error) {
	return e.log.List(ctx)
}

func (e *Local) Recover(ctx context.Context, name string) ([]xa.Xid, error) {
	r, ok := e.resource(name)
	if !ok {
		return nil, errors.Errorf("recovery resource %s is not registered", name)
	}

	ctx, cancel := e.branchContext(ctx)
	defer cancel()

	xids, err := r.Recover(ctx)
	e.metrics.BranchOp("recover", err)
	return xids, err
}

func (e *Local) Resolve(ctx context.Context, name string, xid xa.Xid, commit bool) error {
	r, ok := e.resource(name)
	if !ok {
		return errors.Errorf("recovery resource %s is not registered", name)
	}

	ctx, cancel := e.branchContext(ctx)
	defer cancel()

	var err error
	op := "recover_rollback"
	if commit {
		op = "recover_commit"
		err = r.CommitPrepared(ctx, xid)
	} else {
		err = r.RollbackPrepared(ctx, xid)
	}
	e.observe(op, xid, err)
	if err != nil {
		return err
	}

	return r.Forget(ctx, xid)
}

func (e *Local) RegisterRecoveryResource(name string, r xa.RecoverableResource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resources[name] = r
}

// UnregisterRecoveryResource removes name only while it still maps to r, so a
// late unregister cannot drop a newer registration.
func (e *Local) UnregisterRecoveryResource(name string, r xa.RecoverableResource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.resources[name]; ok && cur == r {
		delete(e.resources, name)
	}
}

// Startup is idempotent. It checks that the decision log is readable.
func (e *Local) Startup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	pending, err := e.log.List(ctx)
	if err != nil {
		return errors.Wrap(err, "engine startup: read decision log")
	}

	e.started = true
	e.logger.Info("engine started",
		zap.Int("recovery_resources", len(e.resources)),
		zap.Int("pending_decisions", len(pending)))
	return nil
}

func (e *Local) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

func (e *Local) resource(name string) (xa.RecoverableResource, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.resources[name]
	return r, ok
}

func (e *Local) branchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.branchTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.branchTimeout)
}

func (e *Local) observe(op string, xid xa.Xid, err error) {
	e.metrics.BranchOp(op, err)
	if err != nil {
		e.logger.Warn("branch operation failed",
			zap.String("op", op),
			zap.String("shard", xid.BranchQualifier),
			zap.String("gtrid", xid.GlobalID),
			zap.Error(err))
		return
	}
	e.logger.Debug("branch operation",
		zap.String("op", op),
		zap.String("shard", xid.BranchQualifier),
		zap.String("gtrid", xid.GlobalID))
}
