package xa

import "github.com/pkg/errors"

// Error kinds surfaced by the coordination layer. Callers match them with
// errors.Is; the wrapped message carries the shard and transaction details.
var (
	// ErrUnknownShard is returned when a shard name is not in the current topology.
	ErrUnknownShard = errors.New("unknown shard")

	// ErrNoActiveTransaction is returned for operations outside a begun transaction.
	ErrNoActiveTransaction = errors.New("no active transaction")

	// ErrAdapter is returned when a physical connection cannot act as a branch.
	ErrAdapter = errors.New("adapter error")

	// ErrPrepareFailure means at least one branch voted no and the
	// transaction was rolled back.
	ErrPrepareFailure = errors.New("prepare failed")

	// ErrHeuristicOutcome means branches diverged during phase 2.
	ErrHeuristicOutcome = errors.New("heuristic outcome")

	// ErrRecoveryFailure means a recovery resource could not be reconciled.
	ErrRecoveryFailure = errors.New("recovery failed")

	// ErrRollbackOnly is returned by commit of a transaction that can only roll back.
	ErrRollbackOnly = errors.New("transaction is rollback-only")
)
