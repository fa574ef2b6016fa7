package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/lock"
	"github.com/prohmpiriya/theater-seat-inventory/internal/reconcile"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/kafka"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

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

type inventory struct {
	seats        *repository.MemorySeatRepository
	stockRepo    *repository.MemoryStockRepository
	leases       *repository.MemoryLeaseRepository
	reservations service.ReservationCoordinator
	stock        service.StockCoordinator
	clock        *clock
}

func newInventory(t *testing.T) *inventory {
	t.Helper()
	ctx := context.Background()
	inv := &inventory{
		seats:     repository.NewMemorySeatRepository(),
		stockRepo: repository.NewMemoryStockRepository(),
		leases:    repository.NewMemoryLeaseRepository(),
		clock:     &clock{now: time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)},
	}
	for _, id := range []string{"A1", "A2", "A3"} {
		require.NoError(t, inv.seats.Create(ctx, &domain.SeatRecord{SessionID: "SESS-1", SeatID: id, TierID: "VIP"}))
	}
	require.NoError(t, inv.stockRepo.Create(ctx, &domain.StockCounter{SessionID: "SESS-1", TierID: "GA", Total: 10, Available: 10}))

	seatService := service.NewSeatService(inv.seats, repository.NewMemorySeatCache(), nil)
	inv.reservations = service.NewReservationCoordinator(inv.seats, seatService, inv.leases, lock.NewMemoryLocker(), nil, &service.ReservationConfig{
		LockWait: 200 * time.Millisecond,
		LockPoll: 5 * time.Millisecond,
		Now:      inv.clock.Now,
	})
	inv.stock = service.NewStockCoordinator(inv.stockRepo, inv.leases, nil, &service.StockConfig{Now: inv.clock.Now})
	return inv
}

func (inv *inventory) seat(t *testing.T, id string) *domain.SeatRecord {
	t.Helper()
	rec, err := inv.seats.Get(context.Background(), "SESS-1", id)
	require.NoError(t, err)
	return rec
}

func (inv *inventory) available(t *testing.T) int {
	t.Helper()
	c, err := inv.stock.Get(context.Background(), "SESS-1", "GA")
	require.NoError(t, err)
	return c.Available
}

func TestLeaseSweeper_ReleasesLapsedLeases(t *testing.T) {
	inv := newInventory(t)
	ctx := context.Background()

	_, err := inv.reservations.Reserve(ctx, "SESS-1", []string{"A1", "A2"}, "orderA", 5*time.Minute)
	require.NoError(t, err)
	_, err = inv.stock.Hold(ctx, "SESS-1", "GA", 3, "orderA", 5*time.Minute)
	require.NoError(t, err)
	_, err = inv.reservations.Reserve(ctx, "SESS-1", []string{"A3"}, "orderB", 20*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 7, inv.available(t))

	sweeper := NewLeaseSweeper(inv.leases, inv.reservations, inv.stock, &LeaseSweeperConfig{Now: inv.clock.Now})

	assert.Zero(t, sweeper.RunOnce(ctx), "nothing lapsed yet")

	inv.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, sweeper.RunOnce(ctx))

	assert.True(t, inv.seat(t, "A1").Available())
	assert.True(t, inv.seat(t, "A2").Available())
	assert.True(t, inv.seat(t, "A3").HeldBy("orderB"))
	assert.Equal(t, 10, inv.available(t))

	leases, err := inv.leases.ListByOrder(ctx, "orderA")
	require.NoError(t, err)
	assert.Empty(t, leases)

	assert.Zero(t, sweeper.RunOnce(ctx), "second sweep finds nothing")
	assert.Equal(t, 10, inv.available(t), "stock returned exactly once")

	stats := sweeper.GetStats()
	assert.Equal(t, int64(1), stats.TotalOrders)
	assert.Equal(t, int64(2), stats.TotalSeats)
	assert.Equal(t, int64(3), stats.TotalStock)
}

func TestLeaseSweeper_ReleasesSeatsWithoutSeatLease(t *testing.T) {
	inv := newInventory(t)
	ctx := context.Background()

	_, err := inv.reservations.Reserve(ctx, "SESS-1", []string{"A1"}, "orderX", 5*time.Minute)
	require.NoError(t, err)
	_, err = inv.stock.Hold(ctx, "SESS-1", "GA", 4, "orderX", 5*time.Minute)
	require.NoError(t, err)

	// only the stock lease is left to find the order by
	n, err := inv.leases.Delete(ctx, "orderX", "seat:SESS-1:A1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	inv.clock.Advance(6 * time.Minute)
	sweeper := NewLeaseSweeper(inv.leases, inv.reservations, inv.stock, &LeaseSweeperConfig{Now: inv.clock.Now})
	assert.Equal(t, 1, sweeper.RunOnce(ctx))

	assert.True(t, inv.seat(t, "A1").Available())
	assert.Equal(t, 10, inv.available(t))
	assert.Equal(t, int64(1), sweeper.GetStats().TotalSeats)
}

func TestLeaseSweeper_ConfirmedOrderIgnored(t *testing.T) {
	inv := newInventory(t)
	ctx := context.Background()

	_, err := inv.reservations.Reserve(ctx, "SESS-1", []string{"A1"}, "orderC", time.Minute)
	require.NoError(t, err)
	_, err = inv.reservations.Confirm(ctx, "orderC")
	require.NoError(t, err)

	inv.clock.Advance(time.Hour)
	sweeper := NewLeaseSweeper(inv.leases, inv.reservations, inv.stock, &LeaseSweeperConfig{Now: inv.clock.Now})
	assert.Zero(t, sweeper.RunOnce(ctx))
	assert.True(t, inv.seat(t, "A1").Sold)
}

func TestLeaseSweeper_StartStop(t *testing.T) {
	inv := newInventory(t)
	sweeper := NewLeaseSweeper(inv.leases, inv.reservations, inv.stock, &LeaseSweeperConfig{ScanInterval: 10 * time.Millisecond})

	require.NoError(t, sweeper.Start(context.Background()))
	assert.Error(t, sweeper.Start(context.Background()))
	assert.True(t, sweeper.GetStats().IsRunning)

	sweeper.Stop()
	assert.False(t, sweeper.GetStats().IsRunning)
	sweeper.Stop()
}

type fakeSyncer struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	active  int
	maxSeen int
}

func (f *fakeSyncer) Sync(ctx context.Context, b *domain.ExternalBinding, opts reconcile.SyncOptions) (*reconcile.SyncReport, error) {
	f.mu.Lock()
	f.calls[b.SessionID]++
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	err := f.fail[b.SessionID]
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	return &reconcile.SyncReport{SessionID: b.SessionID, Init: opts.ForceInit, Refunds: 1}, err
}

func TestReconcileWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	bindings := repository.NewMemoryBindingRepository()
	for _, s := range []string{"S1", "S2", "S3", "S4", "S5"} {
		require.NoError(t, bindings.Upsert(ctx, &domain.ExternalBinding{SessionID: s, Account: "acct", PerformanceID: "P-" + s, Active: true}))
	}
	require.NoError(t, bindings.Upsert(ctx, &domain.ExternalBinding{SessionID: "S6", Active: false}))

	syncer := &fakeSyncer{
		calls: map[string]int{},
		fail:  map[string]error{"S2": domain.ErrExternalSyncFailure, "S3": reconcile.ErrAccountPaused},
	}
	w := NewReconcileWorker(bindings, syncer, &ReconcileWorkerConfig{Concurrency: 2})

	reports, err := w.RunOnce(ctx, reconcile.SyncOptions{ForceInit: true})
	require.NoError(t, err)
	require.Len(t, reports, 5)
	assert.True(t, reports[0].Init)
	assert.Zero(t, syncer.calls["S6"])
	assert.Equal(t, 1, syncer.calls["S5"], "a failing session does not stop the others")
	assert.LessOrEqual(t, syncer.maxSeen, 2)

	stats := w.GetStats()
	assert.Equal(t, int64(1), stats.TotalCycles)
	assert.Equal(t, int64(5), stats.TotalSyncs)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Equal(t, int64(5), stats.TotalRefunds)

	report, err := w.RunSession(ctx, "S4", reconcile.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, "S4", report.SessionID)

	_, err = w.RunSession(ctx, "missing", reconcile.SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrBindingNotFound)
}

type fakeSource struct {
	mu        sync.Mutex
	batches   [][]*kafka.Record
	committed []*kafka.Record
}

func (f *fakeSource) Poll(ctx context.Context) ([]*kafka.Record, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSource) CommitRecords(ctx context.Context, records []*kafka.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, records...)
	return nil
}

func (f *fakeSource) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

type recordingDLQ struct {
	mu   sync.Mutex
	msgs []*retry.DLQMessage
}

func (r *recordingDLQ) PublishToDLQ(ctx context.Context, msg *retry.DLQMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func releaseRecord(t *testing.T, offset int64, event domain.SeatReleaseEvent) *kafka.Record {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return &kafka.Record{Topic: "seat.release", Offset: offset, Key: []byte(event.OrderToken), Value: b}
}

func fastDLQ(pub retry.DLQPublisher) *retry.DLQHandler {
	return retry.NewDLQHandler(pub, &retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}, "test")
}

func TestReleaseConsumer_ProcessRecord(t *testing.T) {
	inv := newInventory(t)
	ctx := context.Background()

	_, err := inv.reservations.Reserve(ctx, "SESS-1", []string{"A1"}, "orderD", 0)
	require.NoError(t, err)
	_, err = inv.stock.Hold(ctx, "SESS-1", "GA", 2, "orderD", 0)
	require.NoError(t, err)

	src := &fakeSource{}
	dlq := &recordingDLQ{}
	c := NewReleaseConsumer(src, inv.reservations, inv.stock, fastDLQ(dlq), nil)

	rec := releaseRecord(t, 1, domain.SeatReleaseEvent{EventType: "order.cancelled", OrderToken: "orderD", Reason: service.ReleaseReasonPaymentTimeout})
	require.NoError(t, c.ProcessRecord(ctx, rec))

	assert.True(t, inv.seat(t, "A1").Available())
	assert.Equal(t, 10, inv.available(t))
	assert.Equal(t, 1, src.commits())
	assert.Empty(t, dlq.msgs)

	// redelivery is harmless
	require.NoError(t, c.ProcessRecord(ctx, rec))
	assert.Equal(t, 10, inv.available(t))
	assert.Equal(t, 2, src.commits())
}

func TestReleaseConsumer_MalformedCommitted(t *testing.T) {
	inv := newInventory(t)
	src := &fakeSource{}
	dlq := &recordingDLQ{}
	c := NewReleaseConsumer(src, inv.reservations, inv.stock, fastDLQ(dlq), nil)

	require.NoError(t, c.ProcessRecord(context.Background(), &kafka.Record{Topic: "seat.release", Value: []byte("{not json")}))
	require.NoError(t, c.ProcessRecord(context.Background(), &kafka.Record{Topic: "seat.release", Value: []byte(`{"reason":"cancel"}`)}))
	assert.Equal(t, 2, src.commits())
	assert.Empty(t, dlq.msgs)
}

type failingReservations struct {
	service.ReservationCoordinator
	err   error
	calls int
}

func (f *failingReservations) Release(ctx context.Context, order, reason string) (int, error) {
	f.calls++
	return 0, f.err
}

func TestReleaseConsumer_ParksOnDLQ(t *testing.T) {
	inv := newInventory(t)
	src := &fakeSource{}
	dlq := &recordingDLQ{}
	res := &failingReservations{err: errors.New("store down")}
	c := NewReleaseConsumer(src, res, inv.stock, fastDLQ(dlq), nil)

	rec := releaseRecord(t, 7, domain.SeatReleaseEvent{OrderToken: "orderE"})
	require.NoError(t, c.ProcessRecord(context.Background(), rec))

	assert.Equal(t, 2, res.calls)
	require.Len(t, dlq.msgs, 1)
	assert.Equal(t, "seat.release", dlq.msgs[0].OriginalTopic)
	assert.Equal(t, "orderE", dlq.msgs[0].OriginalKey)
	assert.Equal(t, 1, src.commits(), "parked records are committed")
}

func TestReleaseConsumer_StartDrainsUntilCanceled(t *testing.T) {
	inv := newInventory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := inv.reservations.Reserve(ctx, "SESS-1", []string{"A2"}, "orderF", 0)
	require.NoError(t, err)

	src := &fakeSource{batches: [][]*kafka.Record{{
		releaseRecord(t, 1, domain.SeatReleaseEvent{OrderToken: "orderF"}),
		releaseRecord(t, 2, domain.SeatReleaseEvent{OrderToken: "orderG"}),
	}}}
	c := NewReleaseConsumer(src, inv.reservations, inv.stock, fastDLQ(nil), &ReleaseConsumerConfig{WorkerCount: 2})

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool { return src.commits() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, inv.seat(t, "A2").Available())
}
