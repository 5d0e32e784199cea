package shard

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/baxromumarov/shard-xa/pkg/adapter"
	"github.com/baxromumarov/shard-xa/pkg/logger"
	"github.com/baxromumarov/shard-xa/pkg/protocol"
	twophasecommit "github.com/baxromumarov/shard-xa/pkg/two_phase_commit"
)

// ErrEmptyTransaction is returned for a request without statements.
var ErrEmptyTransaction = errors.New("transaction has no statements")

// Coordinator is the part of the transaction coordinator the executor drives.
type Coordinator interface {
	Begin(ctx context.Context) (context.Context, string, error)
	EnlistCurrent(ctx context.Context, shard string, conn *sql.Conn, opts adapter.Options) error
	Commit(ctx context.Context, txID string) (*twophasecommit.Outcome, error)
	Rollback(ctx context.Context, txID string) (*twophasecommit.Outcome, error)
}

// ConnSource hands out physical shard connections.
type ConnSource interface {
	Conn(ctx context.Context, shard string) (*sql.Conn, error)
}

// Executor runs a batch of statements as one global transaction. Each shard
// is enlisted on the first statement that touches it.
type Executor struct {
	coord  Coordinator
	conns  ConnSource
	logger *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(coord Coordinator, conns ConnSource, log *zap.Logger) *Executor {
	return &Executor{
		coord:  coord,
		conns:  conns,
		logger: logger.OrNop(log).With(zap.String("component", "executor")),
	}
}

// Execute runs req. Any failure before commit rolls the transaction back.
// The outcome is returned whenever a transaction was begun.
func (e *Executor) Execute(ctx context.Context, req protocol.TransactionRequest) (*twophasecommit.Outcome, error) {
	if len(req.Statements) == 0 {
		return nil, ErrEmptyTransaction
	}

	opts := adapter.Options{IsolationLevel: req.IsolationLevel, ReadOnly: req.ReadOnly}

	ctx, txID, err := e.coord.Begin(ctx)
	if err != nil {
		return nil, err
	}

	conns := make(map[string]*sql.Conn)
	defer func() {
		for shard, conn := range conns {
			if err := conn.Close(); err != nil {
				e.logger.Debug("release connection", zap.String("shard", shard), zap.Error(err))
			}
		}
	}()

	for i, stmt := range req.Statements {
		conn, ok := conns[stmt.Shard]
		if !ok {
			conn, err = e.enlist(ctx, stmt.Shard, opts)
			if err != nil {
				return e.abort(ctx, txID, err)
			}
			conns[stmt.Shard] = conn
		}

		if _, err := conn.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return e.abort(ctx, txID, errors.Wrapf(err, "statement %d on shard %s", i, stmt.Shard))
		}
	}

	return e.coord.Commit(ctx, txID)
}

func (e *Executor) enlist(ctx context.Context, shard string, opts adapter.Options) (*sql.Conn, error) {
	conn, err := e.conns.Conn(ctx, shard)
	if err != nil {
		return nil, err
	}
	if err := e.coord.EnlistCurrent(ctx, shard, conn, opts); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (e *Executor) abort(ctx context.Context, txID string, cause error) (*twophasecommit.Outcome, error) {
	out, err := e.coord.Rollback(ctx, txID)
	if err != nil {
		e.logger.Warn("rollback after failure", zap.String("tx", txID), zap.Error(err))
	}
	return out, cause
}
