package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSeat(t *testing.T, repo SeatRepository, sessionID, seatID string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &domain.SeatRecord{
		SessionID: sessionID,
		SeatID:    seatID,
		TierID:    "VIP",
		Price:     150000,
	}))
}

func TestMemorySeatRepository_UpdateIfVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySeatRepository()
	seedSeat(t, repo, "SESS-1", "A1")

	rec, err := repo.Get(ctx, "SESS-1", "A1")
	require.NoError(t, err)

	rec.Reserved = true
	rec.OwningOrder = "order-1"
	updated, err := repo.UpdateIfVersion(ctx, rec, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	_, err = repo.UpdateIfVersion(ctx, rec, 0)
	assert.ErrorIs(t, err, domain.ErrVersionMismatch)

	_, err = repo.UpdateIfVersion(ctx, &domain.SeatRecord{SessionID: "SESS-1", SeatID: "Z9"}, 0)
	assert.ErrorIs(t, err, domain.ErrSeatNotFound)
}

func TestMemorySeatRepository_ListByOwner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySeatRepository()
	for _, id := range []string{"B1", "A1", "A2"} {
		seedSeat(t, repo, "SESS-1", id)
	}
	for _, id := range []string{"B1", "A1"} {
		rec, _ := repo.Get(ctx, "SESS-1", id)
		rec.Reserved, rec.OwningOrder = true, "order-1"
		_, err := repo.UpdateIfVersion(ctx, rec, rec.Version)
		require.NoError(t, err)
	}

	owned, err := repo.ListByOwner(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "A1", owned[0].SeatID)
	assert.Equal(t, "B1", owned[1].SeatID)

	none, err := repo.ListByOwner(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemorySeatRepository_ListSessions(t *testing.T) {
	repo := NewMemorySeatRepository()
	seedSeat(t, repo, "SESS-2", "A1")
	seedSeat(t, repo, "SESS-1", "A1")
	seedSeat(t, repo, "SESS-1", "A2")

	ids, err := repo.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"SESS-1", "SESS-2"}, ids)
}

func TestMemoryStockRepository_NeverNegativeNorAboveTotal(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStockRepository()
	require.NoError(t, repo.Create(ctx, &domain.StockCounter{SessionID: "S", TierID: "GA", Total: 50, Available: 50}))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = repo.Decrement(ctx, "S", "GA", 3)
		}()
		go func() {
			defer wg.Done()
			_, _, _ = repo.Increment(ctx, "S", "GA", 2)
		}()
	}
	wg.Wait()

	c, err := repo.Get(ctx, "S", "GA")
	require.NoError(t, err)
	assert.True(t, c.Valid(), "available=%d total=%d", c.Available, c.Total)
}

func TestMemoryStockRepository_IncrementClamps(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStockRepository()
	require.NoError(t, repo.Create(ctx, &domain.StockCounter{SessionID: "S", TierID: "GA", Total: 10, Available: 9}))

	c, clamped, err := repo.Increment(ctx, "S", "GA", 3)
	require.NoError(t, err)
	assert.Equal(t, 10, c.Available)
	assert.Equal(t, 2, clamped)

	_, err = repo.Decrement(ctx, "S", "GA", 11)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	_, err = repo.Decrement(ctx, "S", "VIP", 1)
	assert.ErrorIs(t, err, domain.ErrStockNotFound)
}

func TestMemorySeatCache_LoadedOnlyAfterReplace(t *testing.T) {
	ctx := context.Background()
	cache := NewMemorySeatCache()

	require.NoError(t, cache.Put(ctx, &domain.SeatView{SessionID: "S", SeatID: "A1", TierID: "VIP"}))
	_, loaded, err := cache.GetSeatMap(ctx, "S")
	require.NoError(t, err)
	assert.False(t, loaded)

	require.NoError(t, cache.Replace(ctx, "S", []*domain.SeatView{
		{SessionID: "S", SeatID: "B1", TierID: "GA"},
		{SessionID: "S", SeatID: "A1", TierID: "VIP"},
	}))
	views, loaded, err := cache.GetSeatMap(ctx, "S")
	require.NoError(t, err)
	assert.True(t, loaded)
	require.Len(t, views, 2)
	assert.Equal(t, "A1", views[0].SeatID)

	tier, _, err := cache.GetTierSeats(ctx, "S", "GA")
	require.NoError(t, err)
	require.Len(t, tier, 1)
	assert.Equal(t, "B1", tier[0].SeatID)
}

func TestMemorySeatCache_PutClearsDirty(t *testing.T) {
	ctx := context.Background()
	cache := NewMemorySeatCache()
	require.NoError(t, cache.MarkDirty(ctx, "S", "A1"))

	dirty, _ := cache.DirtySeats(ctx, "S")
	assert.Equal(t, []string{"A1"}, dirty)

	require.NoError(t, cache.Put(ctx, &domain.SeatView{SessionID: "S", SeatID: "A1"}))
	dirty, _ = cache.DirtySeats(ctx, "S")
	assert.Empty(t, dirty)
}

func TestMemoryLeaseRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryLeaseRepository()
	now := time.Now()

	seat := &domain.ReservationLease{Kind: domain.LeaseKindSeat, SessionID: "S", SeatID: "A1", OrderToken: "o1", ExpiresAt: now.Add(-time.Second)}
	stock := &domain.ReservationLease{Kind: domain.LeaseKindStock, SessionID: "S", TierID: "GA", Quantity: 2, OrderToken: "o2", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repo.Put(ctx, seat, stock))

	expired, err := repo.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1"}, expired)

	n, err := repo.Delete(ctx, "o2", stock.Field())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.Delete(ctx, "o2", stock.Field())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = repo.Delete(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, _ := repo.ListByOrder(ctx, "o1")
	assert.Empty(t, left)
}

func TestMemorySnapshotRepository_UpdateFieldsMatchesBitfieldLayout(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySnapshotRepository()
	require.NoError(t, repo.Save(ctx, &domain.ExternalSnapshot{SessionID: "S", Bits: make([]byte, 2), Seats: 4}))

	// field 0 = 0b101 occupies the top three bits of byte 0; field 2 = 0b111 spans bytes 0 and 1
	require.NoError(t, repo.UpdateFields(ctx, "S", map[int]uint8{0: 5, 2: 7}))

	snap, err := repo.Get(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, []byte{0b10100011, 0b10000000}, snap.Bits)
}

func TestMemoryRefundFlagRepository_FlagOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRefundFlagRepository()
	flag := &domain.RefundFlag{OrderToken: "orderE", SessionID: "S", SeatID: "S2", Reason: domain.RefundReasonExternalSale}

	created, err := repo.Flag(ctx, flag)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Flag(ctx, flag)
	require.NoError(t, err)
	assert.False(t, created)

	flags, _ := repo.ListByOrder(ctx, "orderE")
	assert.Len(t, flags, 1)
}

func TestMemorySeatCache_PutNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	cache := NewMemorySeatCache()
	require.NoError(t, cache.Put(ctx, &domain.SeatView{SessionID: "S", SeatID: "A1", Version: 3, Status: domain.SeatStatusSold}))
	require.NoError(t, cache.Put(ctx, &domain.SeatView{SessionID: "S", SeatID: "A1", Version: 2, Status: domain.SeatStatusReserved}))

	v, err := cache.GetSeat(ctx, "S", "A1")
	require.NoError(t, err)
	assert.Equal(t, domain.SeatStatusSold, v.Status)
}
