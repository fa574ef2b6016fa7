package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStock(t *testing.T, f *fixture, total, available int) {
	t.Helper()
	require.NoError(t, f.stock.Create(context.Background(), &domain.StockCounter{
		SessionID: "SESS-1",
		TierID:    "GA",
		Total:     total,
		Available: available,
	}))
}

func TestStockDecrement_ConcurrentTwoAndOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedStock(t, f, 10, 2)

	qtys := []int{2, 1}
	errs := make([]error, len(qtys))
	var wg sync.WaitGroup
	for i, q := range qtys {
		wg.Add(1)
		go func(i, q int) {
			defer wg.Done()
			_, errs[i] = f.stockCoord.Decrement(ctx, "SESS-1", "GA", q)
		}(i, q)
	}
	wg.Wait()

	counter, err := f.stockCoord.Get(ctx, "SESS-1", "GA")
	require.NoError(t, err)

	// Whichever lands first wins. The 2-unit request landing first leaves 0 and
	// the 1-unit request short; the reverse order leaves 1.
	switch {
	case errs[0] == nil && errs[1] != nil:
		assert.ErrorIs(t, errs[1], domain.ErrInsufficientStock)
		assert.Equal(t, 0, counter.Available)
	case errs[1] == nil && errs[0] != nil:
		assert.ErrorIs(t, errs[0], domain.ErrInsufficientStock)
		assert.Equal(t, 1, counter.Available)
	default:
		t.Fatalf("expected exactly one success, got %v", errs)
	}
}

func TestStock_NeverLeavesBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedStock(t, f, 10, 5)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.stockCoord.Decrement(ctx, "SESS-1", "GA", 1+i%3)
			} else {
				_, _ = f.stockCoord.Increment(ctx, "SESS-1", "GA", 1+i%4)
			}
		}(i)
	}
	wg.Wait()

	counter, err := f.stockCoord.Get(ctx, "SESS-1", "GA")
	require.NoError(t, err)
	assert.True(t, counter.Valid(), "available=%d total=%d", counter.Available, counter.Total)
}

func TestStockIncrement_ClampRaisesAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedStock(t, f, 10, 9)

	counter, err := f.stockCoord.Increment(ctx, "SESS-1", "GA", 3)
	require.NoError(t, err)
	assert.Equal(t, 10, counter.Available)

	require.Len(t, f.publisher.Alerts, 1)
	assert.Equal(t, domain.AlertStockClamped, f.publisher.Alerts[0].Kind)
}

func TestStock_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedStock(t, f, 10, 10)

	_, err := f.stockCoord.Decrement(ctx, "SESS-1", "GA", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = f.stockCoord.Decrement(ctx, "SESS-1", "", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidTierID)
	_, err = f.stockCoord.Decrement(ctx, "SESS-1", "NOPE", 1)
	assert.ErrorIs(t, err, domain.ErrStockNotFound)
	_, err = f.stockCoord.Decrement(ctx, "SESS-1", "GA", 11)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
}

func TestStockHold_ConfirmKeepsDecrement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedStock(t, f, 10, 10)

	lease, err := f.stockCoord.Hold(ctx, "SESS-1", "GA", 3, "order-1", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseKindStock, lease.Kind)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), lease.ExpiresAt)

	_, err = f.stockCoord.Hold(ctx, "SESS-1", "GA", 1, "order-1", 0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, f.stockCoord.ConfirmHold(ctx, "SESS-1", "GA", "order-1"))
	counter, _ := f.stockCoord.Get(ctx, "SESS-1", "GA")
	assert.Equal(t, 7, counter.Available)

	n, err := f.stockCoord.ReleaseHold(ctx, "SESS-1", "GA", "order-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, f.stockCoord.ConfirmHold(ctx, "SESS-1", "GA", "order-1"), domain.ErrAlreadyExpired)
}

func TestStockHold_ReleaseReturnsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedStock(t, f, 10, 10)

	_, err := f.stockCoord.Hold(ctx, "SESS-1", "GA", 4, "order-1", 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	returned := make([]int, 5)
	for i := range returned {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			returned[i], _ = f.stockCoord.ReleaseHold(ctx, "SESS-1", "GA", "order-1")
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range returned {
		sum += n
	}
	assert.Equal(t, 4, sum)
	counter, _ := f.stockCoord.Get(ctx, "SESS-1", "GA")
	assert.Equal(t, 10, counter.Available)
}

// slowLeases widens the gap between a hold lookup and its lease write
type slowLeases struct {
	repository.LeaseRepository
	delay time.Duration
}

func (s slowLeases) ListByOrder(ctx context.Context, orderToken string) ([]*domain.ReservationLease, error) {
	time.Sleep(s.delay)
	return s.LeaseRepository.ListByOrder(ctx, orderToken)
}

func TestStockHold_ConcurrentSameOrderHoldsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedStock(t, f, 100, 100)
	coord := NewStockCoordinator(f.stock, slowLeases{f.leases, 20 * time.Millisecond}, f.publisher, &StockConfig{
		Locker:   f.locker,
		LockWait: time.Second,
		LockPoll: 5 * time.Millisecond,
		Now:      f.clock.Now,
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Hold(ctx, "SESS-1", "GA", 3, "order-1", 0)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrConflict)
	}
	assert.Equal(t, 1, successes)

	counter, _ := coord.Get(ctx, "SESS-1", "GA")
	assert.Equal(t, 97, counter.Available)

	n, err := coord.ReleaseHold(ctx, "SESS-1", "GA", "order-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	counter, _ = coord.Get(ctx, "SESS-1", "GA")
	assert.Equal(t, 100, counter.Available)
}

func TestStockHold_ExpiredCannotConfirm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedStock(t, f, 10, 10)

	_, err := f.stockCoord.Hold(ctx, "SESS-1", "GA", 2, "order-1", time.Minute)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	assert.ErrorIs(t, f.stockCoord.ConfirmHold(ctx, "SESS-1", "GA", "order-1"), domain.ErrAlreadyExpired)

	// a fresh hold replaces the lapsed one and returns its units first
	_, err = f.stockCoord.Hold(ctx, "SESS-1", "GA", 5, "order-1", 0)
	require.NoError(t, err)
	counter, _ := f.stockCoord.Get(ctx, "SESS-1", "GA")
	assert.Equal(t, 5, counter.Available)
}

func TestStockReleaseOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A1")
	seedStock(t, f, 10, 10)
	require.NoError(t, f.stock.Create(ctx, &domain.StockCounter{SessionID: "SESS-1", TierID: "BALCONY", Total: 4, Available: 4}))

	_, err := f.stockCoord.Hold(ctx, "SESS-1", "GA", 2, "order-1", 0)
	require.NoError(t, err)
	_, err = f.stockCoord.Hold(ctx, "SESS-1", "BALCONY", 1, "order-1", 0)
	require.NoError(t, err)
	_, err = f.reservations.Reserve(ctx, "SESS-1", []string{"A1"}, "order-1", 0)
	require.NoError(t, err)

	n, err := f.stockCoord.ReleaseOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// seat lease untouched
	leases, _ := f.leases.ListByOrder(ctx, "order-1")
	require.Len(t, leases, 1)
	assert.Equal(t, domain.LeaseKindSeat, leases[0].Kind)
}
