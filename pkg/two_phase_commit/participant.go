package twophasecommit

import (
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// EnlistedBranch is one shard taking part in a global transaction
type EnlistedBranch struct {
	Shard    string
	Xid      xa.Xid
	Resource xa.BranchResource

	// guarded by the owning transaction's mutex
	state protocol.BranchState
	err   error
}

// BranchOutcome is the observable state of an enlisted branch
type BranchOutcome struct {
	Shard string
	State protocol.BranchState
	Err   error
}

func (b *EnlistedBranch) outcome() BranchOutcome {
	return BranchOutcome{Shard: b.Shard, State: b.state, Err: b.err}
}

// needsRollback reports whether the branch still holds work to undo.
// Read-only branches finished during prepare.
func (b *EnlistedBranch) needsRollback() bool {
	switch b.state {
	case protocol.BranchActive, protocol.BranchPrepared:
		return true
	}
	return false
}
