package boxoffice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrAuthExpired means the account's box-office login lapsed. Renewing it is the
	// credential provider's job.
	ErrAuthExpired = errors.New("box office login expired")
	// ErrUnavailable wraps transport and 5xx failures
	ErrUnavailable = errors.New("box office unavailable")
	// ErrMalformed means a payload did not match the expected schema
	ErrMalformed = errors.New("box office payload malformed")
	// ErrPerformanceNotFound means the performance id is unknown to the box office
	ErrPerformanceNotFound = errors.New("box office performance not found")
)

// SeatState is one seat as reported by the box office
type SeatState struct {
	ExternalSeatID string `json:"perform_seat_id"`
	Floor          string `json:"floor_name"`
	Stand          string `json:"stand_name"`
	Row            string `json:"row_name"`
	Column         string `json:"seat_num"`
	Sellable       bool   `json:"can_operate"`
	LockTag        string `json:"lock_tag_id,omitempty"`
	Remark         string `json:"remark,omitempty"`
}

// Sold reports whether the box office no longer offers the seat
func (s SeatState) Sold() bool { return !s.Sellable }

// Locked reports whether a box-office hold sits on the seat
func (s SeatState) Locked() bool { return s.LockTag != "" }

// CarriesRemark reports whether the seat is annotated with remark
func (s SeatState) CarriesRemark(remark string) bool {
	return remark != "" && strings.Contains(s.Remark, remark)
}

// LockedBy reports whether the hold carries remark, i.e. the platform pushed it
func (s SeatState) LockedBy(remark string) bool {
	return s.Locked() && s.CarriesRemark(remark)
}

// Adapter is the box-office surface the reconciler depends on
type Adapter interface {
	// ListSeats returns every seat of a performance
	ListSeats(ctx context.Context, account, performanceID string) ([]SeatState, error)
	// LockSeats places holds carrying remark
	LockSeats(ctx context.Context, account, performanceID string, externalSeatIDs []string, remark string) error
	// UnlockSeats lifts holds
	UnlockSeats(ctx context.Context, account, performanceID string, externalSeatIDs []string) error
}

// SortSeats orders seats by external seat id, the stable order snapshots are built in
func SortSeats(seats []SeatState) {
	sort.Slice(seats, func(i, j int) bool {
		return seats[i].ExternalSeatID < seats[j].ExternalSeatID
	})
}

// CheckUnique rejects a sorted seat list that repeats an external seat id
func CheckUnique(seats []SeatState) error {
	for i := 1; i < len(seats); i++ {
		if seats[i].ExternalSeatID == seats[i-1].ExternalSeatID {
			return fmt.Errorf("%w: duplicate performSeatId %s", ErrMalformed, seats[i].ExternalSeatID)
		}
	}
	return nil
}
