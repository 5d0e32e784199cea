package adapter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// plainDriver is a database/sql driver without two-phase support.
type plainDriver struct{}

type plainConn struct{}

func (plainDriver) Open(string) (driver.Conn, error) { return plainConn{}, nil }

func (plainConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (plainConn) Close() error                        { return nil }
func (plainConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func init() {
	sql.Register("xa-plain", plainDriver{})
}

func plainSQLConn(t *testing.T) *sql.Conn {
	t.Helper()
	db, err := sql.Open("xa-plain", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// scriptedConn answers like a pgx session: each statement gets the command
// tag scripted for its longest matching prefix.
type scriptedConn struct {
	maxPrepared int
	tags        map[string]string

	mu    sync.Mutex
	stmts []string
}

type scriptedDriver struct{}

type intRow int

var scripted = struct {
	sync.Mutex
	conns map[string]*scriptedConn
}{conns: make(map[string]*scriptedConn)}

func (scriptedDriver) Open(dsn string) (driver.Conn, error) {
	scripted.Lock()
	defer scripted.Unlock()
	c, ok := scripted.conns[dsn]
	if !ok {
		return nil, errors.New("unknown dsn " + dsn)
	}
	return c, nil
}

func (c *scriptedConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *scriptedConn) Close() error                        { return nil }
func (c *scriptedConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (c *scriptedConn) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stmts = append(c.stmts, sql)

	best := ""
	for prefix := range c.tags {
		if strings.HasPrefix(sql, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return pgconn.CommandTag{}, errors.New("unexpected statement " + sql)
	}
	return pgconn.NewCommandTag(c.tags[best]), nil
}

func (c *scriptedConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return intRow(c.maxPrepared)
}

func (r intRow) Scan(dest ...any) error {
	*dest[0].(*int) = int(r)
	return nil
}

func (c *scriptedConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stmts...)
}

func init() {
	sql.Register("xa-scripted", scriptedDriver{})
}

func scriptedSQLConn(t *testing.T, c *scriptedConn) *sql.Conn {
	t.Helper()
	scripted.Lock()
	scripted.conns[t.Name()] = c
	scripted.Unlock()

	db, err := sql.Open("xa-scripted", t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestParseDatabaseType(t *testing.T) {
	assert.Equal(t, PostgreSQL, ParseDatabaseType("PostgreSQL"))
	assert.Equal(t, PostgreSQL, ParseDatabaseType(" postgres "))
	assert.Equal(t, MySQL, ParseDatabaseType("MySQL"))
	assert.Equal(t, DatabaseType("oracle"), ParseDatabaseType("Oracle"))
}

func TestForDatabaseType(t *testing.T) {
	a, err := ForDatabaseType(PostgreSQL)
	require.NoError(t, err)
	assert.Equal(t, PostgreSQL, a.Type())

	_, err = ForDatabaseType(MySQL)
	assert.True(t, errors.Is(err, xa.ErrAdapter))

	_, err = ForDatabaseType("h2")
	assert.True(t, errors.Is(err, xa.ErrAdapter))
}

func TestWrapRejectsDriverWithoutTwoPhaseSupport(t *testing.T) {
	a, err := ForDatabaseType(PostgreSQL)
	require.NoError(t, err)

	_, err = a.Wrap(context.Background(), "ds_0", plainSQLConn(t), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, xa.ErrAdapter))
	assert.Contains(t, err.Error(), "not pgx")
}

func TestWrapRejectsBadOptions(t *testing.T) {
	a, _ := ForDatabaseType(PostgreSQL)

	_, err := a.Wrap(context.Background(), "ds_0", plainSQLConn(t), Options{IsolationLevel: "chaos"})
	assert.True(t, errors.Is(err, xa.ErrAdapter))

	_, err = a.Wrap(context.Background(), "ds_0", nil, Options{})
	assert.True(t, errors.Is(err, xa.ErrAdapter))
}

func TestWrapRejectsServerWithoutPreparedTransactions(t *testing.T) {
	a, _ := ForDatabaseType(PostgreSQL)
	conn := scriptedSQLConn(t, &scriptedConn{maxPrepared: 0})

	_, err := a.Wrap(context.Background(), "ds_0", conn, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, xa.ErrAdapter))
	assert.Contains(t, err.Error(), "max_prepared_transactions = 0")
}

func TestBranchTwoPhaseStatements(t *testing.T) {
	ctx := context.Background()
	a, _ := ForDatabaseType(PostgreSQL)
	sc := &scriptedConn{maxPrepared: 10, tags: map[string]string{
		"BEGIN":               "BEGIN",
		"PREPARE TRANSACTION": "PREPARE TRANSACTION",
		"COMMIT PREPARED":     "COMMIT PREPARED",
	}}

	branch, err := a.Wrap(ctx, "ds_0", scriptedSQLConn(t, sc), Options{IsolationLevel: "serializable"})
	require.NoError(t, err)

	xid := xa.NewXid(xa.NewGlobalID(), "ds_0")
	require.NoError(t, branch.Start(ctx, xid))
	vote, err := branch.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, xa.VoteOK, vote)
	require.NoError(t, branch.Commit(ctx, xid, false))
	// already finished
	require.NoError(t, branch.Rollback(ctx, xid))

	gid := quoteLiteral(xid.String())
	assert.Equal(t, []string{
		"BEGIN ISOLATION LEVEL SERIALIZABLE",
		"PREPARE TRANSACTION " + gid,
		"COMMIT PREPARED " + gid,
	}, sc.statements())
}

func TestBranchReadOnlyVote(t *testing.T) {
	ctx := context.Background()
	a, _ := ForDatabaseType(PostgreSQL)
	sc := &scriptedConn{maxPrepared: 10, tags: map[string]string{
		"BEGIN":  "BEGIN",
		"COMMIT": "COMMIT",
	}}

	branch, err := a.Wrap(ctx, "ds_0", scriptedSQLConn(t, sc), Options{ReadOnly: true})
	require.NoError(t, err)

	xid := xa.NewXid(xa.NewGlobalID(), "ds_0")
	require.NoError(t, branch.Start(ctx, xid))
	vote, err := branch.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, xa.VoteReadOnly, vote)
	require.NoError(t, branch.Commit(ctx, xid, false))

	assert.Equal(t, []string{"BEGIN READ ONLY", "COMMIT"}, sc.statements())
}

func TestPrepareAnsweredWithRollback(t *testing.T) {
	ctx := context.Background()
	a, _ := ForDatabaseType(PostgreSQL)
	sc := &scriptedConn{maxPrepared: 10, tags: map[string]string{
		"BEGIN":               "BEGIN",
		"PREPARE TRANSACTION": "ROLLBACK",
		"ROLLBACK":            "ROLLBACK",
	}}

	branch, err := a.Wrap(ctx, "ds_0", scriptedSQLConn(t, sc), Options{})
	require.NoError(t, err)

	xid := xa.NewXid(xa.NewGlobalID(), "ds_0")
	require.NoError(t, branch.Start(ctx, xid))

	_, err = branch.Prepare(ctx, xid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `answered "ROLLBACK"`)

	// the server already rolled the session back
	require.NoError(t, branch.Rollback(ctx, xid))
	assert.Len(t, sc.statements(), 2)
}

func TestBeginStatement(t *testing.T) {
	assert.Equal(t, "BEGIN", beginStatement(Options{}))
	assert.Equal(t, "BEGIN ISOLATION LEVEL SERIALIZABLE", beginStatement(Options{IsolationLevel: "serializable"}))
	assert.Equal(t, "BEGIN ISOLATION LEVEL READ COMMITTED READ ONLY", beginStatement(Options{IsolationLevel: "read committed", ReadOnly: true}))
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "'abc'", quoteLiteral("abc"))
	assert.Equal(t, "'it''s'", quoteLiteral("it's"))
}

// TestPostgresTwoPhaseCommit runs against a real server started with
// max_prepared_transactions > 0. Set POSTGRES_DSN to enable it.
func TestPostgresTwoPhaseCommit(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS xa_adapter_test (id text PRIMARY KEY)")
	require.NoError(t, err)

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	a, _ := ForDatabaseType(PostgreSQL)
	branch, err := a.Wrap(ctx, "ds_it", conn, Options{})
	require.NoError(t, err)

	xid := xa.NewXid(xa.NewGlobalID(), "ds_it")
	require.NoError(t, branch.Start(ctx, xid))
	_, err = conn.ExecContext(ctx, "INSERT INTO xa_adapter_test (id) VALUES ($1)", xid.GlobalID)
	require.NoError(t, err)

	vote, err := branch.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, xa.VoteOK, vote)

	rec, err := a.OpenRecovery("ds_it", Descriptor{DatabaseType: PostgreSQL, DSN: dsn})
	require.NoError(t, err)
	defer rec.Close()

	inDoubt, err := rec.Recover(ctx)
	require.NoError(t, err)
	assert.Contains(t, inDoubt, xid)

	require.NoError(t, branch.Commit(ctx, xid, false))
	// resolving twice is harmless
	require.NoError(t, rec.CommitPrepared(ctx, xid))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM xa_adapter_test WHERE id = $1", xid.GlobalID).Scan(&n))
	assert.Equal(t, 1, n)
}
