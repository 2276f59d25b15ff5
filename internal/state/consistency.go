package state

import (
	"database/sql"
	"fmt"
)

// RepairConsistency deletes brokenness rows that have no matching entry row.
// Runs in a single transaction to avoid half-repaired state on crash.
func RepairConsistency(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin repair tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM alt_service_brokenness
		WHERE entry_fingerprint NOT IN (SELECT entry_fingerprint FROM alt_service_entries)
	`); err != nil {
		return fmt.Errorf("repair orphan brokenness rows: %w", err)
	}

	return tx.Commit()
}
