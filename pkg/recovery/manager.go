// Package recovery reconciles branches left prepared by a crashed or
// interrupted coordinator.
//
// The Manager keeps one recovery registration per shard and mirrors it into
// the engine. When the engine starts, every registration that has not been
// scanned yet is asked for its in-doubt branches; each one is committed if a
// commit decision was logged for its global transaction and rolled back
// otherwise, then forgotten. A logged decision is pruned only once every
// shard it names has been scanned after the decision was settled.
package recovery

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/decisionlog"
	"github.com/baxromumarov/shard-xa/pkg/engine"
	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/metrics"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// Report summarises one recovery scan.
type Report struct {
	// Resources are the shards scanned, sorted.
	Resources  []string
	Committed  []xa.Xid
	RolledBack []xa.Xid
	// Skipped are in-doubt branches of transactions still running here.
	Skipped []xa.Xid
	// Failed maps a shard to the ErrRecoveryFailure it produced.
	Failed map[string]error
}

// Pending lists the shards that failed and will be scanned again on the next
// startup.
func (r *Report) Pending() []string {
	out := make([]string, 0, len(r.Failed))
	for shard := range r.Failed {
		out = append(out, shard)
	}
	sort.Strings(out)
	return out
}

// Err joins the failures of the scan into one ErrRecoveryFailure, or nil.
func (r *Report) Err() error {
	pending := r.Pending()
	if len(pending) == 0 {
		return nil
	}
	return errors.Wrapf(xa.ErrRecoveryFailure, "%d resource(s) pending: %v", len(pending), pending)
}

// Manager owns the recovery registrations of the current topology.
type Manager struct {
	engine  engine.TransactionManager
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	records map[string]xa.RecoverableResource
	// recovered maps a cleanly scanned shard to the decisions that were
	// already settled when that scan began.
	recovered map[string]map[string]bool
}

// NewManager creates a Manager registering resources with tm.
func NewManager(tm engine.TransactionManager, log *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		engine:    tm,
		logger:    logger.OrNop(log).With(zap.String("component", "recovery")),
		metrics:   m,
		records:   make(map[string]xa.RecoverableResource),
		recovered: make(map[string]map[string]bool),
	}
}

// Register records res as the recovery resource of shard. Registering the
// same handle twice is a no-op; a different handle replaces the old one.
func (m *Manager) Register(shard string, res xa.RecoverableResource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[shard]
	if ok && cur == res {
		return
	}
	if ok {
		m.engine.UnregisterRecoveryResource(shard, cur)
	}

	m.records[shard] = res
	delete(m.recovered, shard)
	m.engine.RegisterRecoveryResource(shard, res)
	m.logger.Debug("recovery resource registered", zap.String("shard", shard))
}

// Unregister drops the registration of shard if it still refers to res.
func (m *Manager) Unregister(shard string, res xa.RecoverableResource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[shard]
	if !ok || cur != res {
		return
	}

	delete(m.records, shard)
	delete(m.recovered, shard)
	m.engine.UnregisterRecoveryResource(shard, res)
	m.logger.Debug("recovery resource unregistered", zap.String("shard", shard))
}

// Registered returns the shards with a recovery registration, sorted.
func (m *Manager) Registered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.records))
	for shard := range m.records {
		out = append(out, shard)
	}
	sort.Strings(out)
	return out
}

// Startup starts the engine, then scans every registration not recovered yet.
// Resource failures are returned in the report and do not fail Startup.
func (m *Manager) Startup(ctx context.Context) (*Report, error) {
	if err := m.engine.Startup(ctx); err != nil {
		return nil, err
	}
	return m.RecoverOnStartup(ctx)
}

// RecoverOnStartup resolves the in-doubt branches of every pending
// registration. A resource that cannot be reached is reported with
// ErrRecoveryFailure and stays pending.
func (m *Manager) RecoverOnStartup(ctx context.Context) (*Report, error) {
	settled, err := m.settledDecisions(ctx)
	if err != nil {
		m.logger.Warn("could not read decision log", zap.Error(err))
		settled = nil
	}
	ids := make(map[string]bool, len(settled))
	for _, d := range settled {
		ids[d.GlobalID] = true
	}

	m.rescanStale(settled)
	pending := m.pending()
	report := &Report{Failed: make(map[string]error)}

	for _, p := range pending {
		report.Resources = append(report.Resources, p.shard)

		if err := m.recoverResource(ctx, p.shard, report); err != nil {
			err = errors.Wrapf(xa.ErrRecoveryFailure, "shard %s: %v", p.shard, err)
			report.Failed[p.shard] = err
			m.logger.Error("recovery failed, will retry on next startup",
				zap.String("shard", p.shard),
				zap.Error(err))
			continue
		}

		m.markRecovered(p.shard, p.res, ids)
	}

	if err := m.pruneDecisions(ctx, settled); err != nil {
		m.logger.Warn("could not prune decision log", zap.Error(err))
	}

	m.logger.Info("recovery scan finished",
		zap.Strings("resources", report.Resources),
		zap.Int("committed", len(report.Committed)),
		zap.Int("rolled_back", len(report.RolledBack)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Strings("pending", report.Pending()))

	return report, nil
}

func (m *Manager) recoverResource(ctx context.Context, shard string, report *Report) error {
	xids, err := m.engine.Recover(ctx, shard)
	if err != nil {
		return err
	}

	for _, xid := range xids {
		if !xid.Ours() || xid.BranchQualifier != shard {
			continue
		}
		if m.engine.InFlight(xid.GlobalID) {
			report.Skipped = append(report.Skipped, xid)
			continue
		}

		d, ok, err := m.engine.Decision(ctx, xid.GlobalID)
		if err != nil {
			return errors.Wrapf(err, "look up decision of %s", xid.GlobalID)
		}
		commit := ok && d.Outcome == protocol.OutcomeCommit

		if err := m.engine.Resolve(ctx, shard, xid, commit); err != nil {
			return errors.Wrapf(err, "resolve %s", xid)
		}

		if commit {
			report.Committed = append(report.Committed, xid)
			m.metrics.BranchRecovered("commit")
		} else {
			report.RolledBack = append(report.RolledBack, xid)
			m.metrics.BranchRecovered("rollback")
		}
		m.logger.Info("in-doubt branch resolved",
			zap.String("shard", shard),
			zap.String("gtrid", xid.GlobalID),
			zap.Bool("commit", commit))
	}

	return nil
}

// settledDecisions lists the logged decisions of transactions no longer
// running here. A transaction still in flight may yet leave a branch
// prepared behind a scan, so its decision is not settled.
func (m *Manager) settledDecisions(ctx context.Context) ([]decisionlog.Decision, error) {
	decisions, err := m.engine.Decisions(ctx)
	if err != nil {
		return nil, err
	}

	var out []decisionlog.Decision
	for _, d := range decisions {
		if !m.engine.InFlight(d.GlobalID) {
			out = append(out, d)
		}
	}
	return out, nil
}

// rescanStale marks pending again every recovered shard named by a settled
// decision that was not yet settled when the shard was last scanned.
func (m *Manager) rescanStale(settled []decisionlog.Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range settled {
		for _, shard := range d.Shards {
			seen, ok := m.recovered[shard]
			if !ok || seen[d.GlobalID] {
				continue
			}
			delete(m.recovered, shard)
			m.logger.Debug("shard scheduled for rescan",
				zap.String("shard", shard),
				zap.String("gtrid", d.GlobalID))
		}
	}
}

// pruneDecisions removes the settled decisions whose shards have all been
// scanned cleanly since, so none of them can still hold a prepared branch.
func (m *Manager) pruneDecisions(ctx context.Context, settled []decisionlog.Decision) error {
	for _, d := range settled {
		if !m.scannedSince(d) {
			continue
		}
		if err := m.engine.ForgetDecision(ctx, d.GlobalID); err != nil {
			return errors.Wrapf(err, "forget decision %s", d.GlobalID)
		}
	}
	return nil
}

func (m *Manager) scannedSince(d decisionlog.Decision) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, shard := range d.Shards {
		if !m.recovered[shard][d.GlobalID] {
			return false
		}
	}
	return true
}

type registration struct {
	shard string
	res   xa.RecoverableResource
}

func (m *Manager) pending() []registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []registration
	for shard, res := range m.records {
		if _, ok := m.recovered[shard]; !ok {
			out = append(out, registration{shard: shard, res: res})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].shard < out[j].shard })
	return out
}

// markRecovered ignores a registration replaced while it was being scanned.
func (m *Manager) markRecovered(shard string, res xa.RecoverableResource, settled map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[shard] == res {
		m.recovered[shard] = settled
	}
}
