package xa

import "context"

// Vote is a branch's answer to prepare.
type Vote int

const (
	// VoteOK means the branch is prepared and waits for the decision.
	VoteOK Vote = iota
	// VoteReadOnly means the branch changed nothing and is already complete;
	// it takes no part in phase 2.
	VoteReadOnly
)

func (v Vote) String() string {
	switch v {
	case VoteOK:
		return "OK"
	case VoteReadOnly:
		return "READ_ONLY"
	default:
		return "UNKNOWN"
	}
}

// BranchResource is one physical connection participating in a global
// transaction. A negative prepare vote is reported as an error.
type BranchResource interface {
	BranchQualifier() string
	Start(ctx context.Context, xid Xid) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error
}

// RecoverableResource lets the engine find and resolve prepared branches
// without the connection that originally ran them.
type RecoverableResource interface {
	ResourceName() string
	Recover(ctx context.Context) ([]Xid, error)
	CommitPrepared(ctx context.Context, xid Xid) error
	RollbackPrepared(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error
	Close() error
}
