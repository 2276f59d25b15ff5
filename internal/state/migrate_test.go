package state

import (
	"path/filepath"
	"testing"
)

func TestMigrateDB_CreatesTables(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenDB(filepath.Join(dir, "altsvc.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := MigrateDB(db); err != nil {
		t.Fatal(err)
	}

	repo := newRepo(db)
	if err := repo.BulkUpsertEntries([]AltServiceEntryRow{
		{Fingerprint: "fp-1", OriginHost: "a", OriginPort: 443, Proto: "h3", TargetHost: "a", TargetPort: 443, ExpirationUnixNs: 1, VersionsJSON: `[]`, InsertedAtUnixNs: 1},
	}); err != nil {
		t.Fatalf("expected migrated schema to accept writes: %v", err)
	}
}

func TestMigrateDB_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenDB(filepath.Join(dir, "altsvc.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := MigrateDB(db); err != nil {
		t.Fatal(err)
	}
	if err := MigrateDB(db); err != nil {
		t.Fatalf("second migrate call should be a no-op, got: %v", err)
	}
}
