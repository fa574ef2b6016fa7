package repository

import (
	"context"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
)

// SeatRepository is the authoritative SeatRecord store
type SeatRepository interface {
	// Create inserts seat records when a session's price map is published
	Create(ctx context.Context, records ...*domain.SeatRecord) error
	// Get returns domain.ErrSeatNotFound when the seat does not exist
	Get(ctx context.Context, sessionID, seatID string) (*domain.SeatRecord, error)
	// ListBySession returns every seat of a session ordered by seat id
	ListBySession(ctx context.Context, sessionID string) ([]*domain.SeatRecord, error)
	// ListByOwner returns every seat whose owning order is orderToken
	ListByOwner(ctx context.Context, orderToken string) ([]*domain.SeatRecord, error)
	// ListSessions returns the ids of every session with seats, sorted
	ListSessions(ctx context.Context) ([]string, error)
	// UpdateIfVersion writes rec only if the stored version still equals expected.
	// The stored version becomes expected+1. Returns domain.ErrVersionMismatch otherwise.
	UpdateIfVersion(ctx context.Context, rec *domain.SeatRecord, expected int64) (*domain.SeatRecord, error)
	// SetSnapshotIndexes records each seat's bit window in the reconciliation snapshot
	SetSnapshotIndexes(ctx context.Context, sessionID string, windows map[string][2]int) error
}

// StockRepository is the authoritative StockCounter store
type StockRepository interface {
	// Create inserts a counter
	Create(ctx context.Context, counter *domain.StockCounter) error
	// Get returns domain.ErrStockNotFound when the counter does not exist
	Get(ctx context.Context, sessionID, tierID string) (*domain.StockCounter, error)
	// Decrement atomically subtracts qty when available >= qty
	Decrement(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, error)
	// Increment atomically adds qty, clamped at total. The second return value is the
	// number of units dropped by the clamp.
	Increment(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, int, error)
}

// SeatCache is the denormalized seat-map projection
type SeatCache interface {
	// GetSeatMap returns the cached views of a session; loaded is false when the
	// session was never projected
	GetSeatMap(ctx context.Context, sessionID string) (views []*domain.SeatView, loaded bool, err error)
	// GetSeat returns nil on a miss
	GetSeat(ctx context.Context, sessionID, seatID string) (*domain.SeatView, error)
	// GetTierSeats returns the cached views of one price tier
	GetTierSeats(ctx context.Context, sessionID, tierID string) (views []*domain.SeatView, loaded bool, err error)
	// Put writes one view and clears its dirty mark
	Put(ctx context.Context, view *domain.SeatView) error
	// Replace drops the session projection and writes views as the new one
	Replace(ctx context.Context, sessionID string, views []*domain.SeatView) error
	// MarkDirty flags a seat whose cached view may lag the store
	MarkDirty(ctx context.Context, sessionID, seatID string) error
	// DirtySeats lists flagged seats
	DirtySeats(ctx context.Context, sessionID string) ([]string, error)
}

// LeaseRepository stores TTL-bound reservation leases, grouped by order
type LeaseRepository interface {
	// Put stores leases; each order keeps one expiry entry at its earliest deadline
	Put(ctx context.Context, leases ...*domain.ReservationLease) error
	// ListByOrder returns every lease held by orderToken
	ListByOrder(ctx context.Context, orderToken string) ([]*domain.ReservationLease, error)
	// Delete removes the given lease fields of an order, or all of them when none are
	// given, and reports how many were removed
	Delete(ctx context.Context, orderToken string, fields ...string) (int, error)
	// ListExpired returns order tokens with a lease due at or before now
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// SnapshotRepository stores ExternalSnapshot baselines
type SnapshotRepository interface {
	// Get returns nil when no baseline exists
	Get(ctx context.Context, sessionID string) (*domain.ExternalSnapshot, error)
	// Save replaces the baseline
	Save(ctx context.Context, snap *domain.ExternalSnapshot) error
	// UpdateFields overwrites single seat fields in place, keyed by seat position
	UpdateFields(ctx context.Context, sessionID string, fields map[int]uint8) error
	// Delete drops the baseline so the next sync re-initializes
	Delete(ctx context.Context, sessionID string) error
}

// BindingRepository stores session to box-office bindings
type BindingRepository interface {
	Upsert(ctx context.Context, binding *domain.ExternalBinding) error
	GetBySession(ctx context.Context, sessionID string) (*domain.ExternalBinding, error)
	ListActive(ctx context.Context) ([]*domain.ExternalBinding, error)
}

// RefundFlagRepository stores need_refund_external flags
type RefundFlagRepository interface {
	// Flag records the flag; created is false when it already existed
	Flag(ctx context.Context, flag *domain.RefundFlag) (created bool, err error)
	ListByOrder(ctx context.Context, orderToken string) ([]*domain.RefundFlag, error)
}
