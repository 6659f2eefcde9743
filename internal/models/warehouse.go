// Package models provides data model definitions for StockNest Core.
package models

import "time"

// Warehouse is the top-level inventory entity. Rooms, containers and items
// hang off it as a nested tree; snapshots exchanged during sync carry the
// whole tree.
type Warehouse struct {
	ID          UUID    `db:"id" json:"id"`
	Name        string  `db:"name" json:"name"`
	Description string  `db:"description" json:"description,omitempty"`
	IsPublic    bool    `db:"is_public" json:"is_public"`
	CreatedAt   int64   `db:"created_at" json:"created_at"`
	UpdatedAt   int64   `db:"updated_at" json:"updated_at"`
	Rooms       []*Room `json:"rooms,omitempty"`
}

// TableName returns the table name for Warehouse.
func (Warehouse) TableName() string {
	return "warehouses"
}

// Touch updates the UpdatedAt timestamp.
func (w *Warehouse) Touch() {
	w.UpdatedAt = time.Now().Unix()
}

// ModifiedAt returns the effective last-modified timestamp, falling back to
// the creation timestamp when UpdatedAt was never set.
func (w *Warehouse) ModifiedAt() int64 {
	if w.UpdatedAt != 0 {
		return w.UpdatedAt
	}
	return w.CreatedAt
}

// Room groups containers inside a warehouse.
type Room struct {
	ID          UUID         `db:"id" json:"id"`
	WarehouseID UUID         `db:"warehouse_id" json:"warehouse_id"`
	Name        string       `db:"name" json:"name"`
	CreatedAt   int64        `db:"created_at" json:"created_at"`
	UpdatedAt   int64        `db:"updated_at" json:"updated_at"`
	Containers  []*Container `json:"containers,omitempty"`
}

// TableName returns the table name for Room.
func (Room) TableName() string {
	return "rooms"
}

// Touch updates the UpdatedAt timestamp.
func (r *Room) Touch() {
	r.UpdatedAt = time.Now().Unix()
}

// ModifiedAt returns the effective last-modified timestamp.
func (r *Room) ModifiedAt() int64 {
	if r.UpdatedAt != 0 {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Container groups items inside a room.
type Container struct {
	ID        UUID    `db:"id" json:"id"`
	RoomID    UUID    `db:"room_id" json:"room_id"`
	Name      string  `db:"name" json:"name"`
	CreatedAt int64   `db:"created_at" json:"created_at"`
	UpdatedAt int64   `db:"updated_at" json:"updated_at"`
	Items     []*Item `json:"items,omitempty"`
}

// TableName returns the table name for Container.
func (Container) TableName() string {
	return "containers"
}

// Touch updates the UpdatedAt timestamp.
func (c *Container) Touch() {
	c.UpdatedAt = time.Now().Unix()
}

// ModifiedAt returns the effective last-modified timestamp.
func (c *Container) ModifiedAt() int64 {
	if c.UpdatedAt != 0 {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// Item is a leaf inventory entry.
type Item struct {
	ID          UUID    `db:"id" json:"id"`
	ContainerID UUID    `db:"container_id" json:"container_id"`
	Name        string  `db:"name" json:"name"`
	Quantity    float64 `db:"quantity" json:"quantity"`
	Unit        string  `db:"unit" json:"unit,omitempty"`
	Price       float64 `db:"price" json:"price,omitempty"`
	Expiry      int64   `db:"expiry" json:"expiry,omitempty"` // Unix seconds, zero when unset
	Metadata    string  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt   int64   `db:"created_at" json:"created_at"`
	UpdatedAt   int64   `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Item.
func (Item) TableName() string {
	return "items"
}

// Touch updates the UpdatedAt timestamp.
func (i *Item) Touch() {
	i.UpdatedAt = time.Now().Unix()
}

// ModifiedAt returns the effective last-modified timestamp.
func (i *Item) ModifiedAt() int64 {
	if i.UpdatedAt != 0 {
		return i.UpdatedAt
	}
	return i.CreatedAt
}

// ExpiryTime returns the Expiry as time.Time, or the zero value when unset.
func (i *Item) ExpiryTime() time.Time {
	if i.Expiry == 0 {
		return time.Time{}
	}
	return time.Unix(i.Expiry, 0)
}

// ShareGrant records that a warehouse was explicitly shared with a peer
// device. A warehouse is visible to a peer when it is public or a grant
// exists for that peer.
type ShareGrant struct {
	WarehouseID UUID  `db:"warehouse_id" json:"warehouse_id"`
	DeviceID    UUID  `db:"device_id" json:"device_id"`
	GrantedAt   int64 `db:"granted_at" json:"granted_at"`
}

// TableName returns the table name for ShareGrant.
func (ShareGrant) TableName() string {
	return "share_grants"
}
