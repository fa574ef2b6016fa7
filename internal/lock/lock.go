package lock

import (
	"context"
	"fmt"
	"time"
)

// Locker is a short-lived mutual exclusion primitive keyed by (key, owner, ttl).
// Only the owner that acquired a key can refresh or release it.
type Locker interface {
	// Acquire takes the lock if it is free. It never waits.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Refresh extends the ttl of a lock held by owner
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release frees the lock if owner still holds it
	Release(ctx context.Context, key, owner string) (bool, error)
}

// SeatKey is the lock key of one seat of a session
func SeatKey(sessionID, seatID string) string {
	return fmt.Sprintf("seatlock:%s:%s", sessionID, seatID)
}

// HoldKey serializes stock holds of one order on one tier
func HoldKey(sessionID, tierID, orderToken string) string {
	return fmt.Sprintf("holdlock:%s:%s:%s", sessionID, tierID, orderToken)
}

// SessionKey serializes reconciliation of a session across workers
func SessionKey(sessionID string) string {
	return fmt.Sprintf("synclock:%s", sessionID)
}

// AcquireWithin polls Acquire until it succeeds or wait elapses. It returns false,
// never an error, when the lock stayed contended.
func AcquireWithin(ctx context.Context, l Locker, key, owner string, ttl, wait, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.Acquire(ctx, key, owner, ttl)
		if err != nil || ok {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}
