package protocol

// TxState represents the state of a global transaction
type TxState string

const (
	StateActive         TxState = "ACTIVE"
	StatePreparing      TxState = "PREPARING"
	StateCommitting     TxState = "COMMITTING"
	StateCommitted      TxState = "COMMITTED"
	StateRollingBack    TxState = "ROLLING_BACK"
	StateRolledBack     TxState = "ROLLED_BACK"
	StateHeuristicMixed TxState = "HEURISTIC_MIXED"
)

// Terminal reports whether no further transition is possible
func (s TxState) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateHeuristicMixed:
		return true
	}
	return false
}

// BranchState represents the state of one enlisted branch
type BranchState string

const (
	BranchActive     BranchState = "ACTIVE"
	BranchPrepared   BranchState = "PREPARED"
	BranchReadOnly   BranchState = "READ_ONLY"
	BranchCommitted  BranchState = "COMMITTED"
	BranchRolledBack BranchState = "ROLLED_BACK"
	BranchHeuristic  BranchState = "HEURISTIC"
)

// Outcome is the global decision recorded between the two phases
type Outcome string

const (
	OutcomeCommit   Outcome = "COMMIT"
	OutcomeRollback Outcome = "ROLLBACK"
)
