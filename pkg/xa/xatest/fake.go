// Package xatest provides in-memory branch and recovery resources for tests.
package xatest

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/baxromumarov/shard-xa/pkg/adapter"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// Journal records branch calls across resources in the order they happen.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) add(shard, op string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, shard+":"+op)
}

// Entries returns a copy of the recorded calls.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// Branch is a scriptable xa.BranchResource.
type Branch struct {
	Shard   string
	Journal *Journal

	StartErr    error
	PrepareErr  error
	CommitErr   error
	RollbackErr error
	ReadOnly    bool
	// PrepareDelay blocks prepare until it elapses or the context ends.
	PrepareDelay time.Duration

	mu    sync.Mutex
	calls []string
	state string
}

// NewBranch creates a branch for shard recording into j (which may be nil).
func NewBranch(shard string, j *Journal) *Branch {
	return &Branch{Shard: shard, Journal: j, state: "IDLE"}
}

func (b *Branch) record(op string) {
	b.mu.Lock()
	b.calls = append(b.calls, op)
	b.mu.Unlock()
	b.Journal.add(b.Shard, op)
}

func (b *Branch) setState(s string) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Calls returns the verbs received so far.
func (b *Branch) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// State is one of IDLE, ACTIVE, PREPARED, COMMITTED, ROLLED_BACK.
func (b *Branch) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Branch) BranchQualifier() string { return b.Shard }

func (b *Branch) Start(ctx context.Context, xid xa.Xid) error {
	b.record("start")
	if b.StartErr != nil {
		return b.StartErr
	}
	b.setState("ACTIVE")
	return nil
}

func (b *Branch) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	b.record("prepare")
	if b.PrepareDelay > 0 {
		select {
		case <-time.After(b.PrepareDelay):
		case <-ctx.Done():
			return xa.VoteOK, ctx.Err()
		}
	}
	if b.PrepareErr != nil {
		return xa.VoteOK, b.PrepareErr
	}
	if b.ReadOnly {
		b.setState("COMMITTED")
		return xa.VoteReadOnly, nil
	}
	b.setState("PREPARED")
	return xa.VoteOK, nil
}

func (b *Branch) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	if onePhase {
		b.record("commit_one_phase")
	} else {
		b.record("commit")
	}
	if b.CommitErr != nil {
		return b.CommitErr
	}
	if !onePhase && b.State() != "PREPARED" {
		return fmt.Errorf("%s: commit of unprepared branch", b.Shard)
	}
	b.setState("COMMITTED")
	return nil
}

func (b *Branch) Rollback(ctx context.Context, xid xa.Xid) error {
	b.record("rollback")
	if b.RollbackErr != nil {
		return b.RollbackErr
	}
	b.setState("ROLLED_BACK")
	return nil
}

func (b *Branch) Forget(ctx context.Context, xid xa.Xid) error {
	b.record("forget")
	return nil
}

// Recoverable is a scriptable xa.RecoverableResource.
type Recoverable struct {
	Name       string
	RecoverErr error

	mu         sync.Mutex
	inDoubt    []xa.Xid
	committed  []xa.Xid
	rolledBack []xa.Xid
	forgotten  []xa.Xid
	closed     bool
}

// NewRecoverable creates a recovery resource holding the given prepared branches.
func NewRecoverable(name string, inDoubt ...xa.Xid) *Recoverable {
	return &Recoverable{Name: name, inDoubt: inDoubt}
}

func (r *Recoverable) ResourceName() string { return r.Name }

func (r *Recoverable) Recover(ctx context.Context) ([]xa.Xid, error) {
	if r.RecoverErr != nil {
		return nil, r.RecoverErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xa.Xid(nil), r.inDoubt...), nil
}

func (r *Recoverable) CommitPrepared(ctx context.Context, xid xa.Xid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, xid)
	r.remove(xid)
	return nil
}

func (r *Recoverable) RollbackPrepared(ctx context.Context, xid xa.Xid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolledBack = append(r.rolledBack, xid)
	r.remove(xid)
	return nil
}

func (r *Recoverable) Forget(ctx context.Context, xid xa.Xid) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, xid)
	return nil
}

func (r *Recoverable) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// remove must be called with r.mu held.
func (r *Recoverable) remove(xid xa.Xid) {
	kept := r.inDoubt[:0]
	for _, x := range r.inDoubt {
		if x != xid {
			kept = append(kept, x)
		}
	}
	r.inDoubt = kept
}

// AddInDoubt adds a prepared branch, as if left behind by a crash.
func (r *Recoverable) AddInDoubt(xid xa.Xid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inDoubt = append(r.inDoubt, xid)
}

func (r *Recoverable) InDoubt() []xa.Xid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xa.Xid(nil), r.inDoubt...)
}

func (r *Recoverable) Committed() []xa.Xid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xa.Xid(nil), r.committed...)
}

func (r *Recoverable) RolledBack() []xa.Xid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xa.Xid(nil), r.rolledBack...)
}

func (r *Recoverable) Forgotten() []xa.Xid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xa.Xid(nil), r.forgotten...)
}

func (r *Recoverable) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Adapter is an adapter.Adapter handing out fake resources. Branches can be
// scripted per shard with SetBranch before they are wrapped.
type Adapter struct {
	Journal *Journal
	WrapErr error
	OpenErr map[string]error
	// InDoubt seeds the prepared branches found by recovery resources opened
	// for a shard.
	InDoubt map[string][]xa.Xid

	mu           sync.Mutex
	scripted     map[string]*Branch
	branches     map[string]*Branch
	recoverables map[string][]*Recoverable
	wraps        int
}

// NewAdapter creates a fake adapter recording branch calls into j.
func NewAdapter(j *Journal) *Adapter {
	return &Adapter{
		Journal:      j,
		OpenErr:      make(map[string]error),
		InDoubt:      make(map[string][]xa.Xid),
		scripted:     make(map[string]*Branch),
		branches:     make(map[string]*Branch),
		recoverables: make(map[string][]*Recoverable),
	}
}

func (a *Adapter) Type() adapter.DatabaseType { return "fake" }

// SetBranch makes the next Wrap for shard return b.
func (a *Adapter) SetBranch(shard string, b *Branch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b.Journal == nil {
		b.Journal = a.Journal
	}
	a.scripted[shard] = b
}

// Branch returns the branch last handed out for shard.
func (a *Adapter) Branch(shard string) *Branch {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.branches[shard]
}

// Wraps counts successful Wrap calls.
func (a *Adapter) Wraps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wraps
}

func (a *Adapter) Wrap(ctx context.Context, shard string, conn *sql.Conn, opts adapter.Options) (xa.BranchResource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.WrapErr != nil {
		return nil, a.WrapErr
	}
	b, ok := a.scripted[shard]
	if ok {
		delete(a.scripted, shard)
	} else {
		b = NewBranch(shard, a.Journal)
	}
	a.branches[shard] = b
	if opts.ReadOnly {
		b.ReadOnly = true
	}
	a.wraps++
	return b, nil
}

func (a *Adapter) OpenRecovery(shard string, d adapter.Descriptor) (xa.RecoverableResource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.OpenErr[shard]; err != nil {
		return nil, err
	}
	r := NewRecoverable(shard, append([]xa.Xid(nil), a.InDoubt[shard]...)...)
	a.recoverables[shard] = append(a.recoverables[shard], r)
	return r, nil
}

// Recoverables returns every recovery resource opened for shard, oldest first.
func (a *Adapter) Recoverables(shard string) []*Recoverable {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Recoverable(nil), a.recoverables[shard]...)
}
