package boxoffice

import (
	"context"
	"sync"
)

// FakeAdapter is an in-memory box office for tests and local runs
type FakeAdapter struct {
	mu          sync.Mutex
	performance map[string]map[string]*SeatState
	ListErr     error
	LockErr     error
	Locked      [][]string
	Unlocked    [][]string
	Calls       int
}

// NewFakeAdapter creates an empty fake
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{performance: make(map[string]map[string]*SeatState)}
}

// SetSeats replaces the seats of a performance
func (f *FakeAdapter) SetSeats(performanceID string, seats ...SeatState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := make(map[string]*SeatState, len(seats))
	for i := range seats {
		s := seats[i]
		m[s.ExternalSeatID] = &s
	}
	f.performance[performanceID] = m
}

// Update mutates one seat in place
func (f *FakeAdapter) Update(performanceID, externalSeatID string, fn func(*SeatState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.performance[performanceID][externalSeatID]; ok {
		fn(s)
	}
}

func (f *FakeAdapter) ListSeats(ctx context.Context, account, performanceID string) ([]SeatState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	m, ok := f.performance[performanceID]
	if !ok {
		return nil, ErrPerformanceNotFound
	}
	out := make([]SeatState, 0, len(m))
	for _, s := range m {
		out = append(out, *s)
	}
	SortSeats(out)
	return out, nil
}

func (f *FakeAdapter) LockSeats(ctx context.Context, account, performanceID string, externalSeatIDs []string, remark string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LockErr != nil {
		return f.LockErr
	}
	for _, id := range externalSeatIDs {
		if s, ok := f.performance[performanceID][id]; ok {
			s.LockTag = "platform"
			s.Remark = remark
		}
	}
	f.Locked = append(f.Locked, append([]string(nil), externalSeatIDs...))
	return nil
}

func (f *FakeAdapter) UnlockSeats(ctx context.Context, account, performanceID string, externalSeatIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LockErr != nil {
		return f.LockErr
	}
	for _, id := range externalSeatIDs {
		if s, ok := f.performance[performanceID][id]; ok {
			s.LockTag = ""
			s.Remark = ""
		}
	}
	f.Unlocked = append(f.Unlocked, append([]string(nil), externalSeatIDs...))
	return nil
}

var _ Adapter = (*FakeAdapter)(nil)
var _ Adapter = (*HTTPClient)(nil)
