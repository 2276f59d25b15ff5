// Package state implements the Alt-Service Registry's persisted half:
// a single SQLite database, a StateEngine that batches writes through
// dirty sets, and a consistency repair pass. Grounded on the teacher's
// internal/state (two-database StateRepo/CacheRepo split, DirtySet flush
// worker), narrowed to one database and one dirty-write path since the
// registry has no strong/weak persistence distinction to preserve.
package state

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// CreateDDL is the DDL for altsvc.db.
const CreateDDL = `
CREATE TABLE IF NOT EXISTS alt_service_entries (
	entry_fingerprint TEXT PRIMARY KEY,
	origin_host       TEXT NOT NULL,
	origin_port       INTEGER NOT NULL,
	proto             TEXT NOT NULL,
	target_host       TEXT NOT NULL,
	target_port       INTEGER NOT NULL,
	expiration_unix_ns INTEGER NOT NULL,
	versions_json     TEXT NOT NULL DEFAULT '[]',
	inserted_at_unix_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alt_service_brokenness (
	entry_fingerprint      TEXT PRIMARY KEY,
	broken_until_unix_ns   INTEGER NOT NULL DEFAULT 0,
	broken_count           INTEGER NOT NULL DEFAULT 0,
	recently_broken_count  INTEGER NOT NULL DEFAULT 0
);
`

// OpenDB opens (or creates) a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// InitDB executes DDL statements on the given database.
func InitDB(db *sql.DB, ddl string) error {
	_, err := db.Exec(ddl)
	return err
}
