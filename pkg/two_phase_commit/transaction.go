package twophasecommit

import (
	"sync"
	"time"

	"github.com/baxromumarov/shard-xa/pkg/protocol"
)

// GlobalTransaction is one logical transaction spanning several shards.
// Branches are kept in enlistment order, which is the order every phase
// visits them in.
type GlobalTransaction struct {
	ID      string
	Started time.Time

	seq uint64

	mu           sync.Mutex
	state        protocol.TxState
	branches     []*EnlistedBranch
	byShard      map[string]*EnlistedBranch
	rollbackOnly bool
	cause        error
	done         chan struct{}
}

func newGlobalTransaction(id string, seq uint64) *GlobalTransaction {
	return &GlobalTransaction{
		ID:      id,
		seq:     seq,
		Started: time.Now(),
		state:   protocol.StateActive,
		byShard: make(map[string]*EnlistedBranch),
		done:    make(chan struct{}),
	}
}

// State returns the current state of the transaction.
func (tx *GlobalTransaction) State() protocol.TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Shards returns the enlisted shard names in enlistment order.
func (tx *GlobalTransaction) Shards() []string {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.shardsLocked()
}

func (tx *GlobalTransaction) shardsLocked() []string {
	out := make([]string, len(tx.branches))
	for i, b := range tx.branches {
		out[i] = b.Shard
	}
	return out
}

func (tx *GlobalTransaction) setState(s protocol.TxState) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}

func (tx *GlobalTransaction) setBranchState(b *EnlistedBranch, s protocol.BranchState) {
	tx.mu.Lock()
	b.state = s
	tx.mu.Unlock()
}

func (tx *GlobalTransaction) setBranchErr(b *EnlistedBranch, err error) {
	tx.mu.Lock()
	b.err = err
	tx.mu.Unlock()
}

// markRollbackOnlyLocked records why the transaction can no longer commit.
// The first cause wins. Caller must hold tx.mu.
func (tx *GlobalTransaction) markRollbackOnlyLocked(cause error) {
	if !tx.rollbackOnly {
		tx.rollbackOnly = true
		tx.cause = cause
	}
}

func (tx *GlobalTransaction) isRollbackOnly() (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackOnly, tx.cause
}

// beginCommitting moves a prepared transaction to COMMITTING unless a
// rollback was requested first. After it succeeds the outcome is commit.
func (tx *GlobalTransaction) beginCommitting() (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.rollbackOnly {
		return false, tx.cause
	}
	tx.state = protocol.StateCommitting
	return true, nil
}

// branchesIn returns the branches currently in one of states.
func (tx *GlobalTransaction) branchesIn(states ...protocol.BranchState) []*EnlistedBranch {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	var out []*EnlistedBranch
	for _, b := range tx.branches {
		for _, s := range states {
			if b.state == s {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// pendingRollback returns the branches that still need a rollback.
func (tx *GlobalTransaction) pendingRollback() []*EnlistedBranch {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	var out []*EnlistedBranch
	for _, b := range tx.branches {
		if b.needsRollback() {
			out = append(out, b)
		}
	}
	return out
}

func (tx *GlobalTransaction) outcome() *Outcome {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	o := &Outcome{
		TransactionID: tx.ID,
		State:         tx.state,
		Branches:      make([]BranchOutcome, len(tx.branches)),
	}
	for i, b := range tx.branches {
		o.Branches[i] = b.outcome()
	}
	return o
}

// Outcome is the result of driving a transaction to a terminal state.
type Outcome struct {
	TransactionID string
	State         protocol.TxState
	Branches      []BranchOutcome
}

// Response converts the outcome into its wire form. err is the error the
// coordinator returned along with the outcome.
func (o *Outcome) Response(err error) *protocol.TransactionResponse {
	resp := &protocol.TransactionResponse{
		TransactionID: o.TransactionID,
		State:         o.State,
		Success:       err == nil && o.State == protocol.StateCommitted,
		Branches:      make([]protocol.BranchResult, len(o.Branches)),
	}
	for i, b := range o.Branches {
		resp.Branches[i] = protocol.BranchResult{Shard: b.Shard, State: b.State}
		if b.Err != nil {
			resp.Branches[i].Error = b.Err.Error()
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}
