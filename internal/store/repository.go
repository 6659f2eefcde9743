// Package store provides CRUD repository operations for StockNest data models.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stocknest/backend/internal/models"
	"github.com/stocknest/backend/internal/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = sql.ErrNoRows

// Repository provides CRUD operations for all models.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a Repository over an open database.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB}
}

// =====================================================
// Warehouse tree
// =====================================================

// GetWarehouses returns every warehouse with its nested tree.
func (r *Repository) GetWarehouses() ([]*models.Warehouse, error) {
	rows, err := r.db.Query(
		"SELECT id, name, description, is_public, created_at, updated_at FROM warehouses ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list warehouses: %w", err)
	}
	defer rows.Close()

	var out []*models.Warehouse
	for rows.Next() {
		w, err := scanWarehouse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, w := range out {
		if err := r.loadTree(w); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetWarehouse returns one warehouse tree by id.
func (r *Repository) GetWarehouse(id models.UUID) (*models.Warehouse, error) {
	row := r.db.QueryRow(
		"SELECT id, name, description, is_public, created_at, updated_at FROM warehouses WHERE id = ?", id)
	w, err := scanWarehouse(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadTree(w); err != nil {
		return nil, err
	}
	return w, nil
}

// SaveWarehouse upserts one warehouse tree transactionally. Child rows
// absent from the tree are removed, so callers must always pass complete
// trees. The merge layer builds union trees for exactly this reason.
func (r *Repository) SaveWarehouse(w *models.Warehouse) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}

	if err := saveWarehouseTx(tx, w); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// SetWarehouses upserts a list of warehouse trees in one transaction.
func (r *Repository) SetWarehouses(ws []*models.Warehouse) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}

	for _, w := range ws {
		if err := saveWarehouseTx(tx, w); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// DeleteWarehouse removes a warehouse and its subtree (cascading).
func (r *Repository) DeleteWarehouse(id models.UUID) error {
	res, err := r.db.Exec("DELETE FROM warehouses WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete warehouse: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ModifiedSince returns warehouses whose subtree changed after ts.
func (r *Repository) ModifiedSince(ts int64) ([]*models.Warehouse, error) {
	all, err := r.GetWarehouses()
	if err != nil {
		return nil, err
	}

	var out []*models.Warehouse
	for _, w := range all {
		if treeModifiedAt(w) > ts {
			out = append(out, w)
		}
	}
	return out, nil
}

// FindWarehouseContaining locates the warehouse tree holding the given
// entity id and reports the entity's kind.
func (r *Repository) FindWarehouseContaining(entityID models.UUID) (*models.Warehouse, string, error) {
	lookups := []struct {
		kind  string
		query string
	}{
		{"warehouse", "SELECT id FROM warehouses WHERE id = ?"},
		{"room", "SELECT warehouse_id FROM rooms WHERE id = ?"},
		{"container", `SELECT r.warehouse_id FROM containers c
			JOIN rooms r ON r.id = c.room_id WHERE c.id = ?`},
		{"item", `SELECT r.warehouse_id FROM items i
			JOIN containers c ON c.id = i.container_id
			JOIN rooms r ON r.id = c.room_id WHERE i.id = ?`},
	}

	for _, l := range lookups {
		var warehouseID models.UUID
		err := r.db.QueryRow(l.query, entityID).Scan(&warehouseID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to locate entity: %w", err)
		}
		w, err := r.GetWarehouse(warehouseID)
		if err != nil {
			return nil, "", err
		}
		return w, l.kind, nil
	}

	return nil, "", ErrNotFound
}

// treeModifiedAt returns the newest effective timestamp in a warehouse tree.
func treeModifiedAt(w *models.Warehouse) int64 {
	max := w.ModifiedAt()
	for _, room := range w.Rooms {
		if ts := room.ModifiedAt(); ts > max {
			max = ts
		}
		for _, c := range room.Containers {
			if ts := c.ModifiedAt(); ts > max {
				max = ts
			}
			for _, i := range c.Items {
				if ts := i.ModifiedAt(); ts > max {
					max = ts
				}
			}
		}
	}
	return max
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWarehouse(s scanner) (*models.Warehouse, error) {
	var w models.Warehouse
	err := s.Scan(&w.ID, &w.Name, &w.Description, &w.IsPublic, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// loadTree populates rooms, containers and items for a warehouse.
func (r *Repository) loadTree(w *models.Warehouse) error {
	roomRows, err := r.db.Query(
		"SELECT id, warehouse_id, name, created_at, updated_at FROM rooms WHERE warehouse_id = ? ORDER BY name", w.ID)
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}
	defer roomRows.Close()

	for roomRows.Next() {
		var room models.Room
		if err := roomRows.Scan(&room.ID, &room.WarehouseID, &room.Name, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return err
		}
		w.Rooms = append(w.Rooms, &room)
	}
	if err := roomRows.Err(); err != nil {
		return err
	}

	for _, room := range w.Rooms {
		if err := r.loadContainers(room); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) loadContainers(room *models.Room) error {
	rows, err := r.db.Query(
		"SELECT id, room_id, name, created_at, updated_at FROM containers WHERE room_id = ? ORDER BY name", room.ID)
	if err != nil {
		return fmt.Errorf("failed to load containers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.Container
		if err := rows.Scan(&c.ID, &c.RoomID, &c.Name, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return err
		}
		room.Containers = append(room.Containers, &c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range room.Containers {
		if err := r.loadItems(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) loadItems(c *models.Container) error {
	rows, err := r.db.Query(
		`SELECT id, container_id, name, quantity, unit, price, expiry, metadata, created_at, updated_at
		FROM items WHERE container_id = ? ORDER BY name`, c.ID)
	if err != nil {
		return fmt.Errorf("failed to load items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var i models.Item
		if err := rows.Scan(&i.ID, &i.ContainerID, &i.Name, &i.Quantity, &i.Unit,
			&i.Price, &i.Expiry, &i.Metadata, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return err
		}
		c.Items = append(c.Items, &i)
	}
	return rows.Err()
}

// saveWarehouseTx upserts a full warehouse tree inside tx.
func saveWarehouseTx(tx *sql.Tx, w *models.Warehouse) error {
	if w.CreatedAt == 0 {
		w.CreatedAt = time.Now().Unix()
	}

	if _, err := tx.Exec(`
		INSERT INTO warehouses (id, name, description, is_public, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_public = excluded.is_public,
			updated_at = excluded.updated_at`,
		w.ID, w.Name, w.Description, w.IsPublic, w.CreatedAt, w.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert warehouse %s: %w", w.ID, err)
	}

	if err := pruneChildren(tx, "rooms", "warehouse_id", w.ID, roomIDs(w.Rooms)); err != nil {
		return err
	}

	for _, room := range w.Rooms {
		room.WarehouseID = w.ID
		if room.CreatedAt == 0 {
			room.CreatedAt = time.Now().Unix()
		}
		if _, err := tx.Exec(`
			INSERT INTO rooms (id, warehouse_id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				warehouse_id = excluded.warehouse_id,
				name = excluded.name,
				updated_at = excluded.updated_at`,
			room.ID, room.WarehouseID, room.Name, room.CreatedAt, room.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert room %s: %w", room.ID, err)
		}

		if err := pruneChildren(tx, "containers", "room_id", room.ID, containerIDs(room.Containers)); err != nil {
			return err
		}

		for _, c := range room.Containers {
			c.RoomID = room.ID
			if c.CreatedAt == 0 {
				c.CreatedAt = time.Now().Unix()
			}
			if _, err := tx.Exec(`
				INSERT INTO containers (id, room_id, name, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					room_id = excluded.room_id,
					name = excluded.name,
					updated_at = excluded.updated_at`,
				c.ID, c.RoomID, c.Name, c.CreatedAt, c.UpdatedAt); err != nil {
				return fmt.Errorf("failed to upsert container %s: %w", c.ID, err)
			}

			if err := pruneChildren(tx, "items", "container_id", c.ID, itemIDs(c.Items)); err != nil {
				return err
			}

			for _, i := range c.Items {
				i.ContainerID = c.ID
				if i.CreatedAt == 0 {
					i.CreatedAt = time.Now().Unix()
				}
				if _, err := tx.Exec(`
					INSERT INTO items (id, container_id, name, quantity, unit, price, expiry, metadata, created_at, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT(id) DO UPDATE SET
						container_id = excluded.container_id,
						name = excluded.name,
						quantity = excluded.quantity,
						unit = excluded.unit,
						price = excluded.price,
						expiry = excluded.expiry,
						metadata = excluded.metadata,
						updated_at = excluded.updated_at`,
					i.ID, i.ContainerID, i.Name, i.Quantity, i.Unit, i.Price,
					i.Expiry, i.Metadata, i.CreatedAt, i.UpdatedAt); err != nil {
					return fmt.Errorf("failed to upsert item %s: %w", i.ID, err)
				}
			}
		}
	}

	return nil
}

// pruneChildren deletes rows under parentID whose ids are not in keep.
func pruneChildren(tx *sql.Tx, table, parentCol string, parentID models.UUID, keep []interface{}) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, parentCol)
	args := []interface{}{parentID}

	if len(keep) > 0 {
		query += " AND id NOT IN (?" + strings.Repeat(",?", len(keep)-1) + ")"
		args = append(args, keep...)
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to prune %s: %w", table, err)
	}
	return nil
}

func roomIDs(rooms []*models.Room) []interface{} {
	out := make([]interface{}, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.ID)
	}
	return out
}

func containerIDs(cs []*models.Container) []interface{} {
	out := make([]interface{}, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func itemIDs(items []*models.Item) []interface{} {
	out := make([]interface{}, 0, len(items))
	for _, i := range items {
		out = append(out, i.ID)
	}
	return out
}

// =====================================================
// Devices
// =====================================================

// UpsertDevice inserts or refreshes a device record.
func (r *Repository) UpsertDevice(d *models.Device) error {
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().Unix()
	}
	_, err := r.db.Exec(`
		INSERT INTO devices (id, name, capabilities, address, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			address = excluded.address,
			last_seen_at = excluded.last_seen_at`,
		d.ID, d.Name, d.Capabilities, d.Address, d.CreatedAt, d.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.ID, err)
	}
	return nil
}

// GetDevice returns a device by id.
func (r *Repository) GetDevice(id models.UUID) (*models.Device, error) {
	var d models.Device
	err := r.db.QueryRow(
		"SELECT id, name, capabilities, address, created_at, last_seen_at FROM devices WHERE id = ?", id).
		Scan(&d.ID, &d.Name, &d.Capabilities, &d.Address, &d.CreatedAt, &d.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns every known device, most recently seen first.
func (r *Repository) ListDevices() ([]*models.Device, error) {
	rows, err := r.db.Query(
		"SELECT id, name, capabilities, address, created_at, last_seen_at FROM devices ORDER BY last_seen_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Capabilities, &d.Address, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// =====================================================
// Share grants
// =====================================================

// Grant shares a warehouse with a device.
func (r *Repository) Grant(warehouseID, deviceID models.UUID) error {
	_, err := r.db.Exec(`
		INSERT INTO share_grants (warehouse_id, device_id, granted_at)
		VALUES (?, ?, ?)
		ON CONFLICT(warehouse_id, device_id) DO NOTHING`,
		warehouseID, deviceID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to grant: %w", err)
	}
	return nil
}

// Revoke removes a share grant.
func (r *Repository) Revoke(warehouseID, deviceID models.UUID) error {
	_, err := r.db.Exec(
		"DELETE FROM share_grants WHERE warehouse_id = ? AND device_id = ?", warehouseID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to revoke: %w", err)
	}
	return nil
}

// HasGrant reports whether a device holds a grant on a warehouse.
func (r *Repository) HasGrant(warehouseID, deviceID models.UUID) (bool, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM share_grants WHERE warehouse_id = ? AND device_id = ?",
		warehouseID, deviceID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// =====================================================
// Conflict log
// =====================================================

// CreateConflictLog appends a conflict audit row.
func (r *Repository) CreateConflictLog(log *models.ConflictLog) error {
	if log.ID == "" {
		log.ID = models.UUID(uuid.New())
	}
	_, err := r.db.Exec(`
		INSERT INTO conflict_log (id, entity_id, entity_kind, remote_device_id,
			local_timestamp, remote_timestamp, resolution, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.EntityID, log.EntityKind, log.RemoteDeviceID,
		log.LocalTimestamp, log.RemoteTimestamp, log.Resolution, log.DetectedAt, log.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to create conflict log: %w", err)
	}
	return nil
}

// ListConflictLogs returns recent audit rows, newest first.
func (r *Repository) ListConflictLogs(limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, entity_id, entity_kind, remote_device_id, local_timestamp,
			remote_timestamp, resolution, detected_at, resolved_at
		FROM conflict_log ORDER BY detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict logs: %w", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.EntityID, &l.EntityKind, &l.RemoteDeviceID,
			&l.LocalTimestamp, &l.RemoteTimestamp, &l.Resolution, &l.DetectedAt, &l.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
