package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	owner   string
	expires time.Time
}

// MemoryLocker is an in-process Locker with ttl expiry
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryLocker creates a MemoryLocker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryEntry), now: time.Now}
}

// WithClock replaces the time source, for tests
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.now = now
	return l
}

func (l *MemoryLocker) held(key string) (memoryEntry, bool) {
	e, ok := l.locks[key]
	if !ok || !l.now().Before(e.expires) {
		return memoryEntry{}, false
	}
	return e, true
}

func (l *MemoryLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held(key); ok {
		return false, nil
	}
	l.locks[key] = memoryEntry{owner: owner, expires: l.now().Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held(key)
	if !ok || e.owner != owner {
		return false, nil
	}
	l.locks[key] = memoryEntry{owner: owner, expires: l.now().Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held(key)
	if !ok || e.owner != owner {
		return false, nil
	}
	delete(l.locks, key)
	return true, nil
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*EtcdLocker)(nil)
)
