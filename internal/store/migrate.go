// Package store provides database schema migration management.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents one applied schema step.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// migration pairs a schema step with its DDL.
type migration struct {
	version     int
	description string
	ddl         string
}

// migrations is the ordered schema history. Append only; never edit an
// applied step.
var migrations = []migration{
	{
		version:     1,
		description: "inventory hierarchy",
		ddl: `
		CREATE TABLE warehouses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			is_public INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE rooms (
			id TEXT PRIMARY KEY,
			warehouse_id TEXT NOT NULL REFERENCES warehouses(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE containers (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE items (
			id TEXT PRIMARY KEY,
			container_id TEXT NOT NULL REFERENCES containers(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			quantity REAL NOT NULL DEFAULT 0,
			unit TEXT NOT NULL DEFAULT '',
			price REAL NOT NULL DEFAULT 0,
			expiry INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX idx_rooms_warehouse ON rooms(warehouse_id);
		CREATE INDEX idx_containers_room ON containers(room_id);
		CREATE INDEX idx_items_container ON items(container_id);`,
	},
	{
		version:     2,
		description: "devices and share grants",
		ddl: `
		CREATE TABLE devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			capabilities TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE share_grants (
			warehouse_id TEXT NOT NULL REFERENCES warehouses(id) ON DELETE CASCADE,
			device_id TEXT NOT NULL,
			granted_at INTEGER NOT NULL,
			PRIMARY KEY (warehouse_id, device_id)
		);`,
	},
	{
		version:     3,
		description: "conflict log",
		ddl: `
		CREATE TABLE conflict_log (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			entity_kind TEXT NOT NULL,
			remote_device_id TEXT NOT NULL DEFAULT '',
			local_timestamp INTEGER NOT NULL,
			remote_timestamp INTEGER NOT NULL,
			resolution TEXT NOT NULL,
			detected_at INTEGER NOT NULL,
			resolved_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX idx_conflict_log_entity ON conflict_log(entity_id);`,
	},
}

// Migrate applies all pending schema steps.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	);`); err != nil {
		return fmt.Errorf("failed to initialize schema_migrations: %w", err)
	}

	current, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.ddl); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.version, time.Now().Unix(), m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// CurrentVersion returns the highest applied schema version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// AppliedMigrations returns the applied schema history in order.
func AppliedMigrations(db *sql.DB) ([]Migration, error) {
	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var m Migration
		var appliedAt int64
		if err := rows.Scan(&m.Version, &appliedAt, &m.Description); err != nil {
			return nil, err
		}
		m.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, m)
	}
	return applied, rows.Err()
}
