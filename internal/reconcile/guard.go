package reconcile

import (
	"sync"
	"time"
)

// AccountGuard pauses reconciliation of a box-office account after consecutive
// auth failures
type AccountGuard struct {
	mu        sync.Mutex
	threshold int
	pause     time.Duration
	now       func() time.Time
	failures  map[string]int
	until     map[string]time.Time
}

// NewAccountGuard creates a guard. Defaults: 3 failures, 5 minute pause.
func NewAccountGuard(threshold int, pause time.Duration, now func() time.Time) *AccountGuard {
	if threshold <= 0 {
		threshold = 3
	}
	if pause <= 0 {
		pause = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &AccountGuard{
		threshold: threshold,
		pause:     pause,
		now:       now,
		failures:  make(map[string]int),
		until:     make(map[string]time.Time),
	}
}

// Paused reports whether the account is paused. resumed is true exactly once, on
// the first check after a pause ran out.
func (g *AccountGuard) Paused(account string) (paused, resumed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.until[account]
	if !ok {
		return false, false
	}
	if g.now().Before(until) {
		return true, false
	}
	delete(g.until, account)
	g.failures[account] = 0
	return false, true
}

// Failure records an auth failure and reports whether this one paused the account
func (g *AccountGuard) Failure(account string) (paused bool, count int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[account]++
	count = g.failures[account]
	if count >= g.threshold {
		if _, already := g.until[account]; !already {
			g.until[account] = g.now().Add(g.pause)
			return true, count
		}
	}
	return false, count
}

// Success clears the failure streak
func (g *AccountGuard) Success(account string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, account)
}
