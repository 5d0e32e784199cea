// Package adapter turns physical shard connections into XA branch resources.
package adapter

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/baxromumarov/shard-xa/pkg/xa"
)

// DatabaseType names the kind of database behind a shard.
type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgresql"
	MySQL      DatabaseType = "mysql"
)

// ParseDatabaseType normalises user input such as "PostgreSQL" or "postgres".
func ParseDatabaseType(s string) DatabaseType {
	switch t := strings.ToLower(strings.TrimSpace(s)); t {
	case "postgres", "pg", "postgresql":
		return PostgreSQL
	default:
		return DatabaseType(t)
	}
}

// Descriptor tells an adapter how to reach a shard.
type Descriptor struct {
	DatabaseType DatabaseType
	DSN          string
	MaxOpenConns int
}

// Options are the recognised settings applied when a connection is wrapped.
type Options struct {
	// IsolationLevel of the branch, e.g. "SERIALIZABLE". Empty keeps the server default.
	IsolationLevel string
	// ReadOnly branches finish during prepare and skip phase 2.
	ReadOnly bool
}

// Adapter produces branch and recovery resources for one database type.
type Adapter interface {
	Type() DatabaseType

	// Wrap checks that conn can take part in two-phase commit and returns
	// the branch driving it. Failures wrap xa.ErrAdapter.
	Wrap(ctx context.Context, shard string, conn *sql.Conn, opts Options) (xa.BranchResource, error)

	// OpenRecovery opens the handle used to find and resolve in-doubt branches.
	OpenRecovery(shard string, d Descriptor) (xa.RecoverableResource, error)
}

// ForDatabaseType returns the adapter for t.
func ForDatabaseType(t DatabaseType) (Adapter, error) {
	switch t {
	case PostgreSQL:
		return postgresAdapter{}, nil
	case MySQL:
		return nil, errors.Wrapf(xa.ErrAdapter, "database type %s: XA driver not available in this build", t)
	default:
		return nil, errors.Wrapf(xa.ErrAdapter, "database type %q has no two-phase commit support", t)
	}
}

var isolationLevels = map[string]bool{
	"READ UNCOMMITTED": true,
	"READ COMMITTED":   true,
	"REPEATABLE READ":  true,
	"SERIALIZABLE":     true,
}

func (o Options) validate() error {
	if o.IsolationLevel == "" {
		return nil
	}
	if !isolationLevels[strings.ToUpper(o.IsolationLevel)] {
		return errors.Wrapf(xa.ErrAdapter, "unknown isolation level %q", o.IsolationLevel)
	}
	return nil
}
