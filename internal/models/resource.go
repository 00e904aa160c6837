package models

import (
	"time"
)

// Provision log actions
const (
	ActionOrderCreated      = "order_created"
	ActionOrderPaid         = "order_paid"
	ActionOrderCanceled     = "order_canceled"
	ActionProvisionStarted  = "provision_started"
	ActionCapacityReserved  = "capacity_reserved"
	ActionCapacityReleased  = "capacity_released"
	ActionResourceAdopted   = "resource_adopted"
	ActionResourceCreated   = "resource_created"
	ActionProvisionFinished = "provision_finished"
	ActionProvisionFailed   = "provision_failed"
	ActionResourceVanished  = "resource_vanished"
)

// Plan is a sellable server size backed by a control-plane template
type Plan struct {
	ID                 string
	Name               string
	RAMGB              int
	DiskGB             int
	VCores             int
	ResourceTemplateID string
	// GameKey selects game-specific variable defaults (e.g. "minecraft")
	GameKey   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Node is a physical or virtual host with finite capacity
type Node struct {
	ID     string
	Region string
	// Preference orders candidate nodes inside a region, lowest first
	Preference         int
	MaxRAMGB           int
	MaxDiskGB          int
	ReservedHeadroomGB int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UsableRAMGB is the RAM that may be reserved on the node.
func (n *Node) UsableRAMGB() int {
	return n.MaxRAMGB - n.ReservedHeadroomGB
}

// Fits reports whether a reservation fits on top of what is already reserved.
func (n *Node) Fits(reservedRAM, reservedDisk, ramGB, diskGB int) bool {
	return reservedRAM+ramGB <= n.UsableRAMGB() && reservedDisk+diskGB <= n.MaxDiskGB
}

// CapacityReservation binds one order to one node
type CapacityReservation struct {
	OrderID   string
	NodeID    string
	RAMGB     int
	DiskGB    int
	CreatedAt time.Time
}

// NodeUsage is the aggregate reservation load of a node
type NodeUsage struct {
	NodeID       string
	ReservedRAM  int
	ReservedDisk int
}

// ProvisionLog represents an order lifecycle log entry
type ProvisionLog struct {
	ID        string                 `json:"id"`
	OrderID   string                 `json:"order_id"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
