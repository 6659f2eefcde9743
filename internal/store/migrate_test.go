// Package store tests for schema migrations.
package store

import "testing"

// TestMigrate_FreshDatabase verifies all steps apply to an empty database.
func TestMigrate_FreshDatabase(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer db.Close()

	if err := Migrate(db.DB); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	version, err := CurrentVersion(db.DB)
	if err != nil {
		t.Fatalf("CurrentVersion() error = %v", err)
	}
	if version != len(migrations) {
		t.Errorf("CurrentVersion() = %d, want %d", version, len(migrations))
	}

	for _, table := range []string{"warehouses", "rooms", "containers", "items", "devices", "share_grants", "conflict_log"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		if err != nil || n != 1 {
			t.Errorf("table %q missing after migrate (err=%v)", table, err)
		}
	}
}

// TestMigrate_Idempotent verifies a second run applies nothing new.
func TestMigrate_Idempotent(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	defer db.Close()

	if err := Migrate(db.DB); err != nil {
		t.Fatalf("first Migrate() error = %v", err)
	}
	if err := Migrate(db.DB); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	applied, err := AppliedMigrations(db.DB)
	if err != nil {
		t.Fatalf("AppliedMigrations() error = %v", err)
	}
	if len(applied) != len(migrations) {
		t.Errorf("applied = %d, want %d", len(applied), len(migrations))
	}
}
