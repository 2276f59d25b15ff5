package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// PersistenceBootstrap initializes altsvc.db, runs consistency repair, and
// returns a ready-to-use StateEngine plus the open *sql.DB for cleanup.
//
// Steps:
//  1. Open/create altsvc.db with recommended pragmas.
//  2. Run DDL.
//  3. Run consistency repair (orphan brokenness cleanup).
//  4. Construct and return StateEngine.
func PersistenceBootstrap(dir string) (engine *StateEngine, db *sql.DB, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}

	dbPath := filepath.Join(dir, "altsvc.db")

	db, err = OpenDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open altsvc.db: %w", err)
	}

	if err := InitDB(db, CreateDDL); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init altsvc.db: %w", err)
	}

	if err := RepairConsistency(db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("repair consistency: %w", err)
	}

	repo := newRepo(db)
	engine = newStateEngine(repo)

	return engine, db, nil
}
