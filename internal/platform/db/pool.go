// Package db provides the Postgres connection pool, transaction helpers and
// schema migrations for the booking service.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig carries the connection settings for Connect. Zero values for
// the conn bounds keep the pgx defaults.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// Connect opens a Postgres connection pool and proves the database reachable
// with a bounded ping before handing the pool back.
func Connect(ctx context.Context, pc PoolConfig) (*pgxpool.Pool, error) {
	conf, err := pgxpool.ParseConfig(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if pc.MaxConns > 0 {
		conf.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		conf.MinConns = pc.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	// The pool dials lazily; the ping is what proves the database is
	// actually reachable before the server starts taking requests.
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return pool, nil
}
