package domain

import (
	"time"
)

// InventoryEventType represents the type of inventory event
type InventoryEventType string

const (
	InventoryEventReserved         InventoryEventType = "seat.reserved"
	InventoryEventConfirmed        InventoryEventType = "seat.confirmed"
	InventoryEventReleased         InventoryEventType = "seat.released"
	InventoryEventExternallySold   InventoryEventType = "seat.externally_sold"
	InventoryEventExternallyLocked InventoryEventType = "seat.externally_locked"
	InventoryEventStockChanged     InventoryEventType = "stock.changed"
)

// InventoryEvent is published after a committed inventory change
type InventoryEvent struct {
	EventID    string             `json:"event_id"`
	EventType  InventoryEventType `json:"event_type"`
	SessionID  string             `json:"session_id"`
	SeatIDs    []string           `json:"seat_ids,omitempty"`
	TierID     string             `json:"tier_id,omitempty"`
	Quantity   int                `json:"quantity,omitempty"`
	OrderToken string             `json:"order_token,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Key returns the partition key; events of one session stay ordered
func (e *InventoryEvent) Key() string {
	return e.SessionID
}

// RefundRequiredEvent asks the order subsystem to refund an order
type RefundRequiredEvent struct {
	EventID    string    `json:"event_id"`
	OrderToken string    `json:"order_token"`
	SessionID  string    `json:"session_id"`
	SeatID     string    `json:"seat_id"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// OpsAlert is raised for conditions an operator must look at
type OpsAlert struct {
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	Account   string    `json:"account,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert kinds
const (
	AlertAuthExpired     = "boxoffice_auth_expired"
	AlertStructuralDrift = "structural_drift"
	AlertStockClamped    = "stock_increment_clamped"
)

// SeatReleaseEvent is consumed from the order subsystem
type SeatReleaseEvent struct {
	EventType  string `json:"event_type"`
	OrderToken string `json:"order_token"`
	Reason     string `json:"reason"`
	Timestamp  string `json:"timestamp"`
}
