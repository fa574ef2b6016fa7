package domain

import (
	"time"
)

// Seat is the physical descriptor of a seat, fixed at venue setup
type Seat struct {
	Venue  string `json:"venue"`
	Floor  string `json:"floor"`
	Row    string `json:"row"`
	Column string `json:"column"`
	Zone   string `json:"zone,omitempty"`
}

// SeatRecord is the mutable per-(session, seat) state
type SeatRecord struct {
	SessionID string `json:"session_id"`
	SeatID    string `json:"seat_id"`
	Seat      Seat   `json:"seat"`
	TierID    string `json:"tier_id"`
	Price     int64  `json:"price"` // minor units, snapshot at publish time

	Sold             bool `json:"sold"`
	Reserved         bool `json:"reserved"`
	ExternallyLocked bool `json:"externally_locked"`
	ExternallySold   bool `json:"externally_sold"`
	LockPushed       bool `json:"lock_pushed"` // platform lock mirrored onto the box office

	OwningOrder string `json:"owning_order,omitempty"`
	Version     int64  `json:"version"`

	// Bit offsets inside the reconciliation snapshot, [StartIndex, EndIndex)
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`

	ExternalSeatID string    `json:"external_seat_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate
func (r *SeatRecord) Clone() *SeatRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Available reports whether a platform buyer may reserve the seat
func (r *SeatRecord) Available() bool {
	return !r.Sold && !r.Reserved && !r.ExternallyLocked && !r.ExternallySold
}

// HeldBy reports whether orderToken holds the seat (reserved or sold)
func (r *SeatRecord) HeldBy(orderToken string) bool {
	return orderToken != "" && r.OwningOrder == orderToken && (r.Reserved || r.Sold)
}

// Status collapses the flags into a single display status
func (r *SeatRecord) Status() SeatStatus {
	switch {
	case r.Sold:
		return SeatStatusSold
	case r.ExternallySold:
		return SeatStatusExternallySold
	case r.Reserved:
		return SeatStatusReserved
	case r.ExternallyLocked:
		return SeatStatusLocked
	default:
		return SeatStatusAvailable
	}
}

// Validate checks the record invariants
func (r *SeatRecord) Validate() error {
	if r.SessionID == "" {
		return ErrInvalidSessionID
	}
	if r.SeatID == "" {
		return ErrInvalidSeatID
	}
	if r.Sold && (r.OwningOrder == "" || r.Reserved) {
		return ErrInvalidOrderToken
	}
	if r.Reserved && r.OwningOrder == "" {
		return ErrInvalidOrderToken
	}
	return nil
}

// SeatStatus is the display status of a seat
type SeatStatus string

const (
	SeatStatusAvailable      SeatStatus = "available"
	SeatStatusReserved       SeatStatus = "reserved"
	SeatStatusSold           SeatStatus = "sold"
	SeatStatusLocked         SeatStatus = "locked"
	SeatStatusExternallySold SeatStatus = "externally_sold"
)

// SeatView is the cached, read-optimized projection of a SeatRecord
type SeatView struct {
	SessionID string     `json:"session_id"`
	SeatID    string     `json:"seat_id"`
	Seat      Seat       `json:"seat"`
	TierID    string     `json:"tier_id"`
	Price     int64      `json:"price"`
	Status    SeatStatus `json:"status"`
	Version   int64      `json:"version"`
}

// View projects the record for the seat map
func (r *SeatRecord) View() *SeatView {
	return &SeatView{
		SessionID: r.SessionID,
		SeatID:    r.SeatID,
		Seat:      r.Seat,
		TierID:    r.TierID,
		Price:     r.Price,
		Status:    r.Status(),
		Version:   r.Version,
	}
}

// SeatState is a requested change to the mutable flags of a seat.
// Nil fields are left untouched.
type SeatState struct {
	Sold             *bool   `json:"sold,omitempty"`
	Reserved         *bool   `json:"reserved,omitempty"`
	ExternallyLocked *bool   `json:"externally_locked,omitempty"`
	ExternallySold   *bool   `json:"externally_sold,omitempty"`
	LockPushed       *bool   `json:"lock_pushed,omitempty"`
	OwningOrder      *string `json:"owning_order,omitempty"`
}

// Apply returns a copy of r with the state applied
func (s SeatState) Apply(r *SeatRecord) *SeatRecord {
	next := r.Clone()
	if s.Sold != nil {
		next.Sold = *s.Sold
	}
	if s.Reserved != nil {
		next.Reserved = *s.Reserved
	}
	if s.ExternallyLocked != nil {
		next.ExternallyLocked = *s.ExternallyLocked
	}
	if s.ExternallySold != nil {
		next.ExternallySold = *s.ExternallySold
	}
	if s.LockPushed != nil {
		next.LockPushed = *s.LockPushed
	}
	if s.OwningOrder != nil {
		next.OwningOrder = *s.OwningOrder
	}
	return next
}

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }

// String returns a pointer to v
func String(v string) *string { return &v }
