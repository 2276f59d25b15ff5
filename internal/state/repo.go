package state

import (
	"database/sql"
	"fmt"
)

// AltServiceEntryRow is the persisted row for one Alt-Service Registry entry.
type AltServiceEntryRow struct {
	Fingerprint      string
	OriginHost       string
	OriginPort       uint16
	Proto            string
	TargetHost       string
	TargetPort       uint16
	ExpirationUnixNs int64
	VersionsJSON     string
	InsertedAtUnixNs int64
}

// AltServiceBrokennessRow is the persisted row for one entry's brokenness
// tracking (mirrors the in-memory Entry's brokenUntil/brokenCount/
// recentlyBrokenCount atomics).
type AltServiceBrokennessRow struct {
	Fingerprint         string
	BrokenUntilUnixNs   int64
	BrokenCount         int32
	RecentlyBrokenCount int32
}

// Repo wraps altsvc.db and provides batch read/write for registry rows.
type Repo struct {
	db *sql.DB
}

// newRepo creates a Repo for the given altsvc.db connection.
func newRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// --- alt_service_entries ---

// BulkUpsertEntries batch-inserts or updates entry records.
func (r *Repo) BulkUpsertEntries(rows []AltServiceEntryRow) error {
	return bulkExecRows(r, upsertEntriesSQL, rows, func(stmt *sql.Stmt, row AltServiceEntryRow) error {
		_, err := stmt.Exec(row.Fingerprint, row.OriginHost, row.OriginPort, row.Proto,
			row.TargetHost, row.TargetPort, row.ExpirationUnixNs, row.VersionsJSON, row.InsertedAtUnixNs)
		return err
	})
}

// BulkDeleteEntries batch-deletes entry records by fingerprint.
func (r *Repo) BulkDeleteEntries(fingerprints []string) error {
	return bulkExecRows(r, deleteEntriesSQL, fingerprints, func(stmt *sql.Stmt, fp string) error {
		_, err := stmt.Exec(fp)
		return err
	})
}

// LoadAllEntries reads all entry records.
func (r *Repo) LoadAllEntries() ([]AltServiceEntryRow, error) {
	rows, err := r.db.Query(`SELECT entry_fingerprint, origin_host, origin_port, proto,
		target_host, target_port, expiration_unix_ns, versions_json, inserted_at_unix_ns
		FROM alt_service_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AltServiceEntryRow
	for rows.Next() {
		var row AltServiceEntryRow
		if err := rows.Scan(&row.Fingerprint, &row.OriginHost, &row.OriginPort, &row.Proto,
			&row.TargetHost, &row.TargetPort, &row.ExpirationUnixNs, &row.VersionsJSON, &row.InsertedAtUnixNs); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// --- alt_service_brokenness ---

// BulkUpsertBrokenness batch-inserts or updates brokenness records.
func (r *Repo) BulkUpsertBrokenness(rows []AltServiceBrokennessRow) error {
	return bulkExecRows(r, upsertBrokennessSQL, rows, func(stmt *sql.Stmt, row AltServiceBrokennessRow) error {
		_, err := stmt.Exec(row.Fingerprint, row.BrokenUntilUnixNs, row.BrokenCount, row.RecentlyBrokenCount)
		return err
	})
}

// BulkDeleteBrokenness batch-deletes brokenness records by fingerprint.
func (r *Repo) BulkDeleteBrokenness(fingerprints []string) error {
	return bulkExecRows(r, deleteBrokennessSQL, fingerprints, func(stmt *sql.Stmt, fp string) error {
		_, err := stmt.Exec(fp)
		return err
	})
}

// LoadAllBrokenness reads all brokenness records.
func (r *Repo) LoadAllBrokenness() ([]AltServiceBrokennessRow, error) {
	rows, err := r.db.Query(`SELECT entry_fingerprint, broken_until_unix_ns, broken_count, recently_broken_count
		FROM alt_service_brokenness`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AltServiceBrokennessRow
	for rows.Next() {
		var row AltServiceBrokennessRow
		if err := rows.Scan(&row.Fingerprint, &row.BrokenUntilUnixNs, &row.BrokenCount, &row.RecentlyBrokenCount); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// bulkExecTx runs a prepared statement in an existing transaction for n rows.
func bulkExecTx(tx *sql.Tx, query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := execFn(stmt, i); err != nil {
			return fmt.Errorf("exec row %d: %w", i, err)
		}
	}
	return nil
}

// bulkExec runs a prepared statement in its own transaction for n rows.
// Used by the individual BulkUpsert*/BulkDelete* methods, which only tests call.
func (r *Repo) bulkExec(query string, n int, execFn func(stmt *sql.Stmt, i int) error) error {
	if n == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := bulkExecTx(tx, query, n, execFn); err != nil {
		return err
	}
	return tx.Commit()
}

func bulkExecRows[T any](
	r *Repo,
	query string,
	rows []T,
	execFn func(stmt *sql.Stmt, row T) error,
) error {
	return r.bulkExec(query, len(rows), func(stmt *sql.Stmt, i int) error {
		return execFn(stmt, rows[i])
	})
}

// FlushOps holds all upsert/delete slices for a single-transaction flush.
type FlushOps struct {
	UpsertEntries     []AltServiceEntryRow
	DeleteEntries     []string
	UpsertBrokenness  []AltServiceBrokennessRow
	DeleteBrokenness  []string
}

// FlushTx executes all upserts and deletes in a single transaction.
//
// Upsert order: alt_service_entries → alt_service_brokenness
// Delete order: alt_service_brokenness → alt_service_entries
func (r *Repo) FlushTx(ops FlushOps) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name  string
		query string
		n     int
		exec  func(*sql.Stmt, int) error
	}{
		{"upsert_entries", upsertEntriesSQL, len(ops.UpsertEntries), func(s *sql.Stmt, i int) error {
			row := ops.UpsertEntries[i]
			_, err := s.Exec(row.Fingerprint, row.OriginHost, row.OriginPort, row.Proto,
				row.TargetHost, row.TargetPort, row.ExpirationUnixNs, row.VersionsJSON, row.InsertedAtUnixNs)
			return err
		}},
		{"upsert_brokenness", upsertBrokennessSQL, len(ops.UpsertBrokenness), func(s *sql.Stmt, i int) error {
			row := ops.UpsertBrokenness[i]
			_, err := s.Exec(row.Fingerprint, row.BrokenUntilUnixNs, row.BrokenCount, row.RecentlyBrokenCount)
			return err
		}},
		{"delete_brokenness", deleteBrokennessSQL, len(ops.DeleteBrokenness), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(ops.DeleteBrokenness[i])
			return err
		}},
		{"delete_entries", deleteEntriesSQL, len(ops.DeleteEntries), func(s *sql.Stmt, i int) error {
			_, err := s.Exec(ops.DeleteEntries[i])
			return err
		}},
	}

	for _, step := range steps {
		if err := bulkExecTx(tx, step.query, step.n, step.exec); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	return tx.Commit()
}

// SQL constants for FlushTx. Extracted to avoid string duplication.
const (
	upsertEntriesSQL = `INSERT INTO alt_service_entries (
			entry_fingerprint, origin_host, origin_port, proto,
			target_host, target_port, expiration_unix_ns, versions_json, inserted_at_unix_ns
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entry_fingerprint) DO UPDATE SET
			origin_host         = excluded.origin_host,
			origin_port         = excluded.origin_port,
			proto               = excluded.proto,
			target_host         = excluded.target_host,
			target_port         = excluded.target_port,
			expiration_unix_ns  = excluded.expiration_unix_ns,
			versions_json       = excluded.versions_json,
			inserted_at_unix_ns = excluded.inserted_at_unix_ns`

	upsertBrokennessSQL = `INSERT INTO alt_service_brokenness (
			entry_fingerprint, broken_until_unix_ns, broken_count, recently_broken_count
		)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_fingerprint) DO UPDATE SET
			broken_until_unix_ns  = excluded.broken_until_unix_ns,
			broken_count          = excluded.broken_count,
			recently_broken_count = excluded.recently_broken_count`

	deleteEntriesSQL     = "DELETE FROM alt_service_entries WHERE entry_fingerprint = ?"
	deleteBrokennessSQL  = "DELETE FROM alt_service_brokenness WHERE entry_fingerprint = ?"
)
