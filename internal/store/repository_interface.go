// Package store provides repository interfaces for StockNest data models.
package store

import (
	"github.com/stocknest/backend/internal/models"
)

// WarehouseRepository defines operations on the inventory tree. Snapshots
// are read and written at warehouse granularity; SaveWarehouse is atomic,
// the whole tree applies or nothing does.
type WarehouseRepository interface {
	// GetWarehouses returns every warehouse with its nested tree.
	GetWarehouses() ([]*models.Warehouse, error)

	// GetWarehouse returns one warehouse tree by id.
	GetWarehouse(id models.UUID) (*models.Warehouse, error)

	// SaveWarehouse upserts one warehouse tree transactionally.
	SaveWarehouse(w *models.Warehouse) error

	// SetWarehouses upserts a list of warehouse trees.
	SetWarehouses(ws []*models.Warehouse) error

	// DeleteWarehouse removes a warehouse and its subtree.
	DeleteWarehouse(id models.UUID) error

	// ModifiedSince returns warehouses whose subtree changed after ts.
	ModifiedSince(ts int64) ([]*models.Warehouse, error)

	// FindWarehouseContaining locates the warehouse tree holding the given
	// entity id (the entity may be the warehouse itself or any descendant)
	// and reports the entity's kind.
	FindWarehouseContaining(entityID models.UUID) (*models.Warehouse, string, error)
}

// DeviceRepository defines operations for known peer devices.
type DeviceRepository interface {
	// UpsertDevice inserts or refreshes a device record.
	UpsertDevice(d *models.Device) error

	// GetDevice returns a device by id.
	GetDevice(id models.UUID) (*models.Device, error)

	// ListDevices returns every known device.
	ListDevices() ([]*models.Device, error)
}

// GrantRepository defines operations for per-peer share grants.
type GrantRepository interface {
	// Grant shares a warehouse with a device.
	Grant(warehouseID, deviceID models.UUID) error

	// Revoke removes a share grant.
	Revoke(warehouseID, deviceID models.UUID) error

	// HasGrant reports whether a device holds a grant on a warehouse.
	HasGrant(warehouseID, deviceID models.UUID) (bool, error)
}

// ConflictLogRepository defines operations for the conflict audit trail.
type ConflictLogRepository interface {
	// CreateConflictLog appends a conflict audit row.
	CreateConflictLog(log *models.ConflictLog) error

	// ListConflictLogs returns recent audit rows, newest first.
	ListConflictLogs(limit int) ([]*models.ConflictLog, error)
}

// SyncRepository groups the repositories the sync engine needs.
type SyncRepository interface {
	WarehouseRepository
	DeviceRepository
	GrantRepository
	ConflictLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ WarehouseRepository   = (*Repository)(nil)
	_ DeviceRepository      = (*Repository)(nil)
	_ GrantRepository       = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
