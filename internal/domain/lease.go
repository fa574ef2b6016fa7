package domain

import (
	"fmt"
	"time"
)

// LeaseKind distinguishes seat leases from stock leases
type LeaseKind string

const (
	LeaseKindSeat  LeaseKind = "seat"
	LeaseKindStock LeaseKind = "stock"
)

// ReservationLease is a TTL-bound hold pending payment confirmation
type ReservationLease struct {
	ID         string    `json:"id"`
	Kind       LeaseKind `json:"kind"`
	SessionID  string    `json:"session_id"`
	SeatID     string    `json:"seat_id,omitempty"`
	TierID     string    `json:"tier_id,omitempty"`
	Quantity   int       `json:"quantity,omitempty"`
	OrderToken string    `json:"order_token"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Field identifies the lease inside its order's lease set
func (l *ReservationLease) Field() string {
	if l.Kind == LeaseKindStock {
		return fmt.Sprintf("stock:%s:%s", l.SessionID, l.TierID)
	}
	return fmt.Sprintf("seat:%s:%s", l.SessionID, l.SeatID)
}

// Expired reports whether the lease lapsed at now
func (l *ReservationLease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
