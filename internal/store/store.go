// Package store provides the PostgreSQL job store. Single-row claims and
// terminal writes go through *pgxpool.Pool directly; the dynamic candidate
// listing is built with squirrel and runs on a *sql.DB wrapping the same
// pool via the pgx stdlib adapter.
//
// Every I/O failure is returned as a *job.StoreError so the scheduler can
// tell a datastore outage apart from contention or handler failure.
package store

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/scarson/jobrunner/internal/job"
)

// psql is the squirrel builder for PostgreSQL $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the PostgreSQL implementation of the scheduler's job store.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// New creates a Store backed by pool. The same pool serves both pgx native
// queries and the stdlib-wrapped *sql.DB used for squirrel queries.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
}

// Pool returns the underlying pgxpool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return job.NewStoreError("ping", s.pool.Ping(ctx))
}
