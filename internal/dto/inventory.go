package dto

import (
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
)

// ReserveSeatsRequest represents request to hold assigned seats for an order
type ReserveSeatsRequest struct {
	SessionID       string   `json:"session_id" binding:"required"`
	SeatIDs         []string `json:"seat_ids" binding:"required,min=1"`
	OrderToken      string   `json:"order_token" binding:"required"`
	LeaseTTLSeconds int      `json:"lease_ttl_seconds,omitempty" binding:"min=0"`
}

// LeaseTTL returns the requested lease ttl; zero means the configured default
func (r *ReserveSeatsRequest) LeaseTTL() time.Duration {
	return time.Duration(r.LeaseTTLSeconds) * time.Second
}

// ReserveSeatsResponse represents response after reserving seats
type ReserveSeatsResponse struct {
	OrderToken string                     `json:"order_token"`
	SessionID  string                     `json:"session_id"`
	SeatIDs    []string                   `json:"seat_ids"`
	ExpiresAt  time.Time                  `json:"expires_at"`
	Leases     []*domain.ReservationLease `json:"leases"`
}

// NewReserveSeatsResponse builds the response from the granted leases
func NewReserveSeatsResponse(req *ReserveSeatsRequest, leases []*domain.ReservationLease) *ReserveSeatsResponse {
	resp := &ReserveSeatsResponse{
		OrderToken: req.OrderToken,
		SessionID:  req.SessionID,
		Leases:     leases,
	}
	for _, l := range leases {
		resp.SeatIDs = append(resp.SeatIDs, l.SeatID)
		if l.ExpiresAt.After(resp.ExpiresAt) {
			resp.ExpiresAt = l.ExpiresAt
		}
	}
	return resp
}

// ConfirmResponse represents response after confirming an order's seats
type ConfirmResponse struct {
	OrderToken string   `json:"order_token"`
	SeatIDs    []string `json:"seat_ids"`
}

// ReleaseRequest carries the optional release reason
type ReleaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ReleaseResponse represents response after releasing an order
type ReleaseResponse struct {
	OrderToken    string `json:"order_token"`
	SeatsReleased int    `json:"seats_released"`
	StockReleased int    `json:"stock_released"`
}

// StockAdjustRequest moves a tier counter by quantity
type StockAdjustRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	TierID    string `json:"tier_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// StockHoldRequest takes quantity units for an order pending payment
type StockHoldRequest struct {
	SessionID       string `json:"session_id" binding:"required"`
	TierID          string `json:"tier_id" binding:"required"`
	Quantity        int    `json:"quantity" binding:"required,min=1"`
	OrderToken      string `json:"order_token" binding:"required"`
	LeaseTTLSeconds int    `json:"lease_ttl_seconds,omitempty" binding:"min=0"`
}

// StockHoldActionRequest names the hold to confirm or release
type StockHoldActionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	TierID    string `json:"tier_id" binding:"required"`
}

// StockHoldReleaseResponse reports the units returned to sale
type StockHoldReleaseResponse struct {
	OrderToken string `json:"order_token"`
	Released   int    `json:"released"`
}

// SeatMapMeta describes a seat map listing
type SeatMapMeta struct {
	SessionID string `json:"session_id"`
	TierID    string `json:"tier_id,omitempty"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
}

// RebuildCacheResponse represents response after rebuilding a session's cache
type RebuildCacheResponse struct {
	SessionID string `json:"session_id"`
	Seats     int    `json:"seats"`
}
