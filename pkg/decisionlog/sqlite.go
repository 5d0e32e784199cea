package decisionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/baxromumarov/shard-xa/pkg/protocol"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS xa_decisions (
	global_id TEXT PRIMARY KEY,
	outcome   TEXT    NOT NULL,
	shards    TEXT    NOT NULL,
	logged_at INTEGER NOT NULL
)`

// SQLiteLog stores decisions in a local SQLite database.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens the database at path and creates the table if needed.
func NewSQLiteLog(path string, busyTimeoutMS int) (*SQLiteLog, error) {
	dsn := path
	if !strings.Contains(path, ":memory:") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += fmt.Sprintf("%s_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_sync=FULL", sep, busyTimeoutMS)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "decisionlog: open sqlite")
	}
	// one writer; also keeps a :memory: database alive across calls
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "decisionlog: create schema")
	}

	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Record(ctx context.Context, d Decision) error {
	shards, err := json.Marshal(d.Shards)
	if err != nil {
		return err
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO xa_decisions (global_id, outcome, shards, logged_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(global_id) DO UPDATE SET outcome = excluded.outcome, shards = excluded.shards, logged_at = excluded.logged_at`,
		d.GlobalID, string(d.Outcome), string(shards), d.LoggedAt.UnixNano())
	return errors.Wrapf(err, "decisionlog: record %s", d.GlobalID)
}

func (l *SQLiteLog) Lookup(ctx context.Context, globalID string) (Decision, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT global_id, outcome, shards, logged_at FROM xa_decisions WHERE global_id = ?`, globalID)

	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, errors.Wrapf(err, "decisionlog: lookup %s", globalID)
	}
	return d, true, nil
}

func (l *SQLiteLog) Remove(ctx context.Context, globalID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM xa_decisions WHERE global_id = ?`, globalID)
	return errors.Wrapf(err, "decisionlog: remove %s", globalID)
}

func (l *SQLiteLog) List(ctx context.Context) ([]Decision, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT global_id, outcome, shards, logged_at FROM xa_decisions ORDER BY logged_at, global_id`)
	if err != nil {
		return nil, errors.Wrap(err, "decisionlog: list")
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, errors.Wrap(err, "decisionlog: scan")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "decisionlog: list")
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (Decision, error) {
	var (
		d        Decision
		outcome  string
		shards   string
		loggedAt int64
	)
	if err := s.Scan(&d.GlobalID, &outcome, &shards, &loggedAt); err != nil {
		return Decision{}, err
	}
	if err := json.Unmarshal([]byte(shards), &d.Shards); err != nil {
		return Decision{}, err
	}
	d.Outcome = protocol.Outcome(outcome)
	d.LoggedAt = time.Unix(0, loggedAt)
	return d, nil
}
