// Package pgrole answers the one question the agent keeps asking its
// co-located PostgreSQL instance — "are you in recovery?" — and applies
// primary connection info on standbys.
package pgrole

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Checker reports the role of the local database. InRecovery is polled every
// event-loop iteration and must stay cheap.
type Checker interface {
	InRecovery(ctx context.Context) (bool, error)
}

// Applier repoints a standby at a new primary.
type Applier interface {
	ApplyPrimaryConninfo(ctx context.Context, conninfo string) error
}

// DB implements Checker and Applier over a pgx connection pool. The pool
// reconnects transparently across the restarts a promotion entails.
type DB struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against the local instance. The conninfo is any libpq
// keyword/value or URL string accepted by pgx.
func Connect(ctx context.Context, conninfo string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(conninfo)
	if err != nil {
		return nil, fmt.Errorf("pgrole: parse conninfo: %w", err)
	}
	// One connection is plenty for a single-threaded poller.
	cfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgrole: connect: %w", err)
	}
	return &DB{pool: pool}, nil
}

// InRecovery samples pg_is_in_recovery().
func (d *DB) InRecovery(ctx context.Context) (bool, error) {
	var inRecovery bool
	err := d.pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery)
	if err != nil {
		return false, fmt.Errorf("pgrole: pg_is_in_recovery: %w", err)
	}
	return inRecovery, nil
}

// ApplyPrimaryConninfo rewrites primary_conninfo through ALTER SYSTEM and
// asks the server to reload. The walreceiver picks the new value up without a
// restart on supported versions.
func (d *DB) ApplyPrimaryConninfo(ctx context.Context, conninfo string) error {
	// ALTER SYSTEM takes no bind parameters; quote the literal ourselves.
	stmt := fmt.Sprintf("ALTER SYSTEM SET primary_conninfo = %s", quoteLiteral(conninfo))
	if _, err := d.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("pgrole: alter system: %w", err)
	}
	if _, err := d.pool.Exec(ctx, "SELECT pg_reload_conf()"); err != nil {
		return fmt.Errorf("pgrole: pg_reload_conf: %w", err)
	}
	return nil
}

// Close releases the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// quoteLiteral renders s as a single-quoted SQL literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
