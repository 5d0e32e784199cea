package adapter

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// pgUndefinedObject is returned by COMMIT/ROLLBACK PREPARED for unknown gids.
const pgUndefinedObject = "42704"

// pgSession is the part of *pgx.Conn the adapter drives.
type pgSession interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// sessionOf unwraps the pgx connection under a database/sql driver
// connection. Connections that already speak pgSession are used as is.
func sessionOf(driverConn any) (pgSession, bool) {
	switch c := driverConn.(type) {
	case *stdlib.Conn:
		return c.Conn(), true
	case pgSession:
		return c, true
	}
	return nil, false
}

type postgresAdapter struct{}

func (postgresAdapter) Type() DatabaseType { return PostgreSQL }

func (postgresAdapter) Wrap(ctx context.Context, shard string, conn *sql.Conn, opts Options) (xa.BranchResource, error) {
	if conn == nil {
		return nil, errors.Wrapf(xa.ErrAdapter, "shard %s: nil connection", shard)
	}
	if err := opts.validate(); err != nil {
		return nil, errors.WithMessagef(err, "shard %s", shard)
	}

	err := conn.Raw(func(driverConn any) error {
		sess, ok := sessionOf(driverConn)
		if !ok {
			return errors.Wrapf(xa.ErrAdapter, "shard %s: driver connection %T is not pgx", shard, driverConn)
		}

		var maxPrepared int
		row := sess.QueryRow(ctx, "SELECT current_setting('max_prepared_transactions')::int")
		if err := row.Scan(&maxPrepared); err != nil {
			return errors.Wrapf(xa.ErrAdapter, "shard %s: read max_prepared_transactions: %v", shard, err)
		}
		if maxPrepared == 0 {
			return errors.Wrapf(xa.ErrAdapter, "shard %s: server has max_prepared_transactions = 0", shard)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &postgresBranch{shard: shard, conn: conn, opts: opts}, nil
}

func (postgresAdapter) OpenRecovery(shard string, d Descriptor) (xa.RecoverableResource, error) {
	db, err := sql.Open("pgx", d.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "shard %s: open recovery connection", shard)
	}

	maxOpen := d.MaxOpenConns
	if maxOpen <= 0 || maxOpen > 2 {
		maxOpen = 2
	}
	db.SetMaxOpenConns(maxOpen)

	return &postgresRecovery{shard: shard, db: db}, nil
}

// postgresBranch drives one session through BEGIN / PREPARE TRANSACTION /
// COMMIT PREPARED. The session is idle again once the branch is prepared.
type postgresBranch struct {
	shard string
	conn  *sql.Conn
	opts  Options

	mu       sync.Mutex
	prepared bool
	finished bool
}

func (b *postgresBranch) BranchQualifier() string { return b.shard }

func (b *postgresBranch) Start(ctx context.Context, xid xa.Xid) error {
	_, err := execTag(ctx, b.conn, beginStatement(b.opts))
	return errors.WithMessagef(err, "shard %s: start branch %s", b.shard, xid)
}

func (b *postgresBranch) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.ReadOnly {
		if err := b.expect(ctx, "COMMIT", "COMMIT"); err != nil {
			return xa.VoteOK, err
		}
		b.finished = true
		return xa.VoteReadOnly, nil
	}

	// An aborted session answers PREPARE TRANSACTION with ROLLBACK instead of an error.
	if err := b.expect(ctx, "PREPARE TRANSACTION "+quoteLiteral(xid.String()), "PREPARE TRANSACTION"); err != nil {
		return xa.VoteOK, err
	}
	b.prepared = true
	return xa.VoteOK, nil
}

func (b *postgresBranch) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return nil
	}

	var err error
	switch {
	case onePhase:
		err = b.expect(ctx, "COMMIT", "COMMIT")
	case b.prepared:
		err = b.expect(ctx, "COMMIT PREPARED "+quoteLiteral(xid.String()), "COMMIT PREPARED")
	default:
		err = errors.Errorf("shard %s: commit of unprepared branch %s", b.shard, xid)
	}
	if err == nil {
		b.finished = true
	}
	return err
}

func (b *postgresBranch) Rollback(ctx context.Context, xid xa.Xid) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return nil
	}

	stmt := "ROLLBACK"
	if b.prepared {
		stmt = "ROLLBACK PREPARED " + quoteLiteral(xid.String())
	}
	if _, err := execTag(ctx, b.conn, stmt); err != nil {
		return errors.WithMessagef(err, "shard %s: rollback %s", b.shard, xid)
	}
	b.finished = true
	return nil
}

// Forget is a no-op: Postgres keeps no heuristic completion records.
func (b *postgresBranch) Forget(ctx context.Context, xid xa.Xid) error {
	return nil
}

// expect runs stmt and fails unless the server answers with the command tag want.
// Caller must hold b.mu.
func (b *postgresBranch) expect(ctx context.Context, stmt, want string) error {
	tag, err := execTag(ctx, b.conn, stmt)
	if err != nil {
		return errors.WithMessagef(err, "shard %s", b.shard)
	}
	if tag != want {
		if tag == "ROLLBACK" {
			b.finished = true
		}
		return errors.Errorf("shard %s: %s answered %q", b.shard, want, tag)
	}
	return nil
}

// postgresRecovery resolves prepared branches through pg_prepared_xacts.
type postgresRecovery struct {
	shard string
	db    *sql.DB
}

func (r *postgresRecovery) ResourceName() string { return r.shard }

func (r *postgresRecovery) Recover(ctx context.Context) ([]xa.Xid, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT gid FROM pg_prepared_xacts WHERE database = current_database()")
	if err != nil {
		return nil, errors.Wrapf(err, "shard %s: list prepared transactions", r.shard)
	}
	defer rows.Close()

	var xids []xa.Xid
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, errors.Wrapf(err, "shard %s: scan gid", r.shard)
		}

		xid, err := xa.ParseXid(gid)
		if err != nil || !xid.Ours() {
			continue
		}
		// Several shard names may point at one database.
		if xid.BranchQualifier != r.shard {
			continue
		}
		xids = append(xids, xid)
	}

	return xids, errors.Wrapf(rows.Err(), "shard %s: iterate prepared transactions", r.shard)
}

func (r *postgresRecovery) CommitPrepared(ctx context.Context, xid xa.Xid) error {
	return r.finish(ctx, "COMMIT PREPARED ", xid)
}

func (r *postgresRecovery) RollbackPrepared(ctx context.Context, xid xa.Xid) error {
	return r.finish(ctx, "ROLLBACK PREPARED ", xid)
}

func (r *postgresRecovery) Forget(ctx context.Context, xid xa.Xid) error {
	return nil
}

func (r *postgresRecovery) Close() error {
	return r.db.Close()
}

// finish treats an already resolved gid as success.
func (r *postgresRecovery) finish(ctx context.Context, verb string, xid xa.Xid) error {
	_, err := r.db.ExecContext(ctx, verb+quoteLiteral(xid.String()))

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedObject {
		return nil
	}
	return errors.Wrapf(err, "shard %s: %s%s", r.shard, verb, xid)
}

// execTag runs stmt on the pgx connection underneath conn and returns the
// command tag, which database/sql does not expose.
func execTag(ctx context.Context, conn *sql.Conn, stmt string) (string, error) {
	var tag string
	err := conn.Raw(func(driverConn any) error {
		sess, ok := sessionOf(driverConn)
		if !ok {
			return errors.Wrapf(xa.ErrAdapter, "driver connection %T is not pgx", driverConn)
		}

		ct, err := sess.Exec(ctx, stmt)
		if err != nil {
			return err
		}
		tag = ct.String()
		return nil
	})
	return tag, err
}

func beginStatement(opts Options) string {
	stmt := "BEGIN"
	if opts.IsolationLevel != "" {
		stmt += " ISOLATION LEVEL " + strings.ToUpper(opts.IsolationLevel)
	}
	if opts.ReadOnly {
		stmt += " READ ONLY"
	}
	return stmt
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
