package reconcile

import (
	"fmt"

	"github.com/prohmpiriya/theater-seat-inventory/internal/boxoffice"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
)

// Transition is a seat state change observed on the box office
type Transition interface {
	Kind() string
}

// SoldExternally: the box office sold the seat. PriorOrder is the platform order that
// held or bought it, if any; that order needs a refund.
type SoldExternally struct {
	PriorOrder   string
	PlatformSold bool
}

// LockedExternally: a box-office operator put a hold on the seat
type LockedExternally struct{}

// UnlockedExternally: a box-office hold was lifted. PushedLockLost is set when the
// lifted hold was one the platform pushed.
type UnlockedExternally struct {
	PushedLockLost bool
}

// SaleReversedExternally: a seat the box office had sold is on sale again there
type SaleReversedExternally struct{}

func (SoldExternally) Kind() string         { return "sold_externally" }
func (LockedExternally) Kind() string       { return "locked_externally" }
func (UnlockedExternally) Kind() string     { return "unlocked_externally" }
func (SaleReversedExternally) Kind() string { return "sale_reversed_externally" }

// Classify compares a platform record with the box-office seat. ownSale is true when
// the box office sold the seat under the platform's own hold, which is the platform's
// sale mirrored back and not a race.
func Classify(rec *domain.SeatRecord, ext boxoffice.SeatState, remark string) (ts []Transition, ownSale bool) {
	if ext.Sold() {
		if rec.ExternallySold {
			return nil, false
		}
		if rec.Sold && ext.CarriesRemark(remark) {
			return nil, true
		}
		t := SoldExternally{PlatformSold: rec.Sold}
		if rec.Sold || rec.Reserved {
			t.PriorOrder = rec.OwningOrder
		}
		return []Transition{t}, false
	}

	if rec.ExternallySold {
		ts = append(ts, SaleReversedExternally{})
	}
	switch {
	case ext.Locked() && !ext.LockedBy(remark) && !rec.ExternallyLocked:
		ts = append(ts, LockedExternally{})
	case !ext.Locked() && (rec.ExternallyLocked || rec.LockPushed):
		ts = append(ts, UnlockedExternally{PushedLockLost: rec.LockPushed})
	}
	return ts, false
}

// Apply returns the record after the transitions
func Apply(rec *domain.SeatRecord, ts []Transition) (*domain.SeatRecord, error) {
	next := rec.Clone()
	for _, t := range ts {
		switch t := t.(type) {
		case SoldExternally:
			next.ExternallySold = true
			next.ExternallyLocked = false
			if !t.PlatformSold {
				// a platform hold loses to the box-office sale
				next.Reserved = false
				next.OwningOrder = ""
			}
		case LockedExternally:
			next.ExternallyLocked = true
		case UnlockedExternally:
			next.ExternallyLocked = false
			if t.PushedLockLost {
				next.LockPushed = false
			}
		case SaleReversedExternally:
			next.ExternallySold = false
		default:
			return nil, fmt.Errorf("unknown transition %T", t)
		}
	}
	return next, nil
}
