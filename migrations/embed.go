// Package migrations embeds the SQL migration files so that the compiled
// binary carries its own schema management without requiring files on disk.
//
// Postgres holds the production schema; SQLite mirrors it for single-node
// and development deployments.
package migrations

import "embed"

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// Postgres returns the PostgreSQL migrations rooted at the embed directory.
func Postgres() embed.FS { return postgresFS }

// SQLite returns the SQLite migrations rooted at the embed directory.
func SQLite() embed.FS { return sqliteFS }

// PostgresDir and SQLiteDir are the iofs source paths for each FS.
const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)
