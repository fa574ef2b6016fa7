package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/lock"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/stretchr/testify/require"
)

// MockEventPublisher records published events
type MockEventPublisher struct {
	mu        sync.Mutex
	Inventory []*domain.InventoryEvent
	Refunds   []*domain.RefundRequiredEvent
	Alerts    []*domain.OpsAlert
	Err       error
}

func (m *MockEventPublisher) PublishInventoryEvent(ctx context.Context, event *domain.InventoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inventory = append(m.Inventory, event)
	return m.Err
}

func (m *MockEventPublisher) PublishRefundRequired(ctx context.Context, event *domain.RefundRequiredEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Refunds = append(m.Refunds, event)
	return m.Err
}

func (m *MockEventPublisher) PublishAlert(ctx context.Context, alert *domain.OpsAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, alert)
	return m.Err
}

func (m *MockEventPublisher) Close() error { return nil }

func (m *MockEventPublisher) eventTypes() []domain.InventoryEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.InventoryEventType, len(m.Inventory))
	for i, e := range m.Inventory {
		out[i] = e.EventType
	}
	return out
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	seats     *repository.MemorySeatRepository
	stock     *repository.MemoryStockRepository
	cache     *repository.MemorySeatCache
	leases    *repository.MemoryLeaseRepository
	locker    *lock.MemoryLocker
	publisher *MockEventPublisher
	clock     *clock

	seatService  SeatService
	reservations ReservationCoordinator
	stockCoord   StockCoordinator
}

func newFixture(t *testing.T, seatIDs ...string) *fixture {
	t.Helper()
	f := &fixture{
		seats:     repository.NewMemorySeatRepository(),
		stock:     repository.NewMemoryStockRepository(),
		cache:     repository.NewMemorySeatCache(),
		leases:    repository.NewMemoryLeaseRepository(),
		locker:    lock.NewMemoryLocker(),
		publisher: &MockEventPublisher{},
		clock:     newClock(),
	}

	for _, id := range seatIDs {
		require.NoError(t, f.seats.Create(context.Background(), &domain.SeatRecord{
			SessionID: "SESS-1",
			SeatID:    id,
			TierID:    "VIP",
			Price:     150000,
		}))
	}

	f.seatService = NewSeatService(f.seats, f.cache, nil)
	f.reservations = NewReservationCoordinator(f.seats, f.seatService, f.leases, f.locker, f.publisher, &ReservationConfig{
		LockWait: 200 * time.Millisecond,
		LockPoll: 5 * time.Millisecond,
		Now:      f.clock.Now,
	})
	f.stockCoord = NewStockCoordinator(f.stock, f.leases, f.publisher, &StockConfig{Now: f.clock.Now})
	return f
}

func (f *fixture) seat(t *testing.T, seatID string) *domain.SeatRecord {
	t.Helper()
	rec, err := f.seats.Get(context.Background(), "SESS-1", seatID)
	require.NoError(t, err)
	return rec
}
