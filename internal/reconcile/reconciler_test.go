package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/boxoffice"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/lock"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	Inventory []*domain.InventoryEvent
	Refunds   []*domain.RefundRequiredEvent
	Alerts    []*domain.OpsAlert
}

func (p *recordingPublisher) PublishInventoryEvent(ctx context.Context, e *domain.InventoryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Inventory = append(p.Inventory, e)
	return nil
}

func (p *recordingPublisher) PublishRefundRequired(ctx context.Context, e *domain.RefundRequiredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Refunds = append(p.Refunds, e)
	return nil
}

func (p *recordingPublisher) PublishAlert(ctx context.Context, a *domain.OpsAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Alerts = append(p.Alerts, a)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) alertKinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, a := range p.Alerts {
		out = append(out, a.Kind)
	}
	return out
}

func (p *recordingPublisher) has(t domain.InventoryEventType, seatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.Inventory {
		if e.EventType != t {
			continue
		}
		for _, id := range e.SeatIDs {
			if id == seatID {
				return true
			}
		}
	}
	return false
}

type syncFixture struct {
	seats        *repository.MemorySeatRepository
	leases       *repository.MemoryLeaseRepository
	snapshots    *repository.MemorySnapshotRepository
	refunds      *repository.MemoryRefundFlagRepository
	locker       *lock.MemoryLocker
	adapter      *boxoffice.FakeAdapter
	publisher    *recordingPublisher
	seatService  service.SeatService
	reservations service.ReservationCoordinator
	reconciler   *Reconciler
	binding      *domain.ExternalBinding
	now          time.Time
}

var syncSeats = []string{"A1", "A2", "A3", "A4"}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	ctx := context.Background()
	f := &syncFixture{
		seats:     repository.NewMemorySeatRepository(),
		leases:    repository.NewMemoryLeaseRepository(),
		snapshots: repository.NewMemorySnapshotRepository(),
		refunds:   repository.NewMemoryRefundFlagRepository(),
		locker:    lock.NewMemoryLocker(),
		adapter:   boxoffice.NewFakeAdapter(),
		publisher: &recordingPublisher{},
		binding: &domain.ExternalBinding{
			SessionID:     "SESS-1",
			Account:       "acct-1",
			PerformanceID: "PERF-1",
			LockRemark:    testRemark,
			Active:        true,
		},
		now: time.Now(),
	}

	var ext []boxoffice.SeatState
	for _, id := range syncSeats {
		require.NoError(t, f.seats.Create(ctx, &domain.SeatRecord{
			SessionID:      "SESS-1",
			SeatID:         id,
			TierID:         "VIP",
			ExternalSeatID: "E-" + id,
		}))
		ext = append(ext, boxoffice.SeatState{ExternalSeatID: "E-" + id, Row: id[:1], Column: id[1:], Sellable: true})
	}
	f.adapter.SetSeats("PERF-1", ext...)

	f.seatService = service.NewSeatService(f.seats, repository.NewMemorySeatCache(), nil)
	f.reservations = service.NewReservationCoordinator(f.seats, f.seatService, f.leases, f.locker, f.publisher, &service.ReservationConfig{
		LockWait: 200 * time.Millisecond,
		LockPoll: 5 * time.Millisecond,
	})
	clock := func() time.Time { return f.now }
	f.reconciler = NewReconciler(Dependencies{
		Seats:       f.seats,
		SeatService: f.seatService,
		Leases:      f.leases,
		Snapshots:   f.snapshots,
		RefundFlags: f.refunds,
		Adapter:     f.adapter,
		Locker:      f.locker,
		Publisher:   f.publisher,
		Guard:       NewAccountGuard(3, 5*time.Minute, clock),
	}, &Config{SeatLockWait: 200 * time.Millisecond, Now: clock})
	return f
}

func (f *syncFixture) sync(t *testing.T) *SyncReport {
	t.Helper()
	report, err := f.reconciler.Sync(context.Background(), f.binding, SyncOptions{})
	require.NoError(t, err)
	return report
}

func (f *syncFixture) seat(t *testing.T, id string) *domain.SeatRecord {
	t.Helper()
	rec, err := f.seats.Get(context.Background(), "SESS-1", id)
	require.NoError(t, err)
	return rec
}

func (f *syncFixture) sell(t *testing.T, order string, seatIDs ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reservations.Reserve(ctx, "SESS-1", seatIDs, order, 0)
	require.NoError(t, err)
	_, err = f.reservations.Confirm(ctx, order)
	require.NoError(t, err)
}

func TestSync_InitBuildsBaseline(t *testing.T) {
	f := newSyncFixture(t)

	report := f.sync(t)
	assert.True(t, report.Init)
	assert.Equal(t, 4, report.Seats)
	assert.Equal(t, 4, report.Changed)
	assert.Zero(t, report.Applied)
	assert.Zero(t, report.Failed)

	snap, err := f.snapshots.Get(context.Background(), "SESS-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 4, snap.Seats)

	a3 := f.seat(t, "A3")
	assert.Equal(t, 6, a3.StartIndex)
	assert.Equal(t, 9, a3.EndIndex)

	report = f.sync(t)
	assert.False(t, report.Init)
	assert.Zero(t, report.Changed)
}

func TestSync_ExternalSaleOverPlatformHoldFlagsRefund(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.sync(t)

	_, err := f.reservations.Reserve(ctx, "SESS-1", []string{"A2"}, "orderE", 0)
	require.NoError(t, err)

	f.adapter.Update("PERF-1", "E-A2", func(s *boxoffice.SeatState) { s.Sellable = false })

	report := f.sync(t)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Refunds)

	a2 := f.seat(t, "A2")
	assert.True(t, a2.ExternallySold)
	assert.False(t, a2.Reserved)
	assert.Empty(t, a2.OwningOrder)

	flags, err := f.refunds.ListByOrder(ctx, "orderE")
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, domain.RefundReasonExternalSale, flags[0].Reason)
	assert.Equal(t, "A2", flags[0].SeatID)

	require.Len(t, f.publisher.Refunds, 1)
	assert.Equal(t, "orderE", f.publisher.Refunds[0].OrderToken)
	assert.True(t, f.publisher.has(domain.InventoryEventExternallySold, "A2"))

	leases, err := f.leases.ListByOrder(ctx, "orderE")
	require.NoError(t, err)
	assert.Empty(t, leases)

	_, err = f.reservations.Confirm(ctx, "orderE")
	assert.ErrorIs(t, err, domain.ErrAlreadyExpired)

	report = f.sync(t)
	assert.Zero(t, report.Changed)
	assert.Len(t, f.publisher.Refunds, 1)
}

func TestSync_PushesPlatformSalesAsHolds(t *testing.T) {
	f := newSyncFixture(t)
	f.sell(t, "orderF", "A3")

	report := f.sync(t)
	assert.Equal(t, 1, report.LocksPushed)
	assert.Equal(t, [][]string{{"E-A3"}}, f.adapter.Locked)
	assert.True(t, f.seat(t, "A3").LockPushed)

	report = f.sync(t)
	assert.Zero(t, report.Changed, "pushed hold is already in the baseline")
	assert.Zero(t, report.LocksPushed)

	// box office completes the sale under the pushed hold
	f.adapter.Update("PERF-1", "E-A3", func(s *boxoffice.SeatState) { s.Sellable = false })
	report = f.sync(t)
	assert.Equal(t, 1, report.Changed)
	assert.Equal(t, 1, report.OwnSales)
	assert.Zero(t, report.Refunds)

	a3 := f.seat(t, "A3")
	assert.True(t, a3.Sold)
	assert.False(t, a3.ExternallySold)
	assert.Empty(t, f.publisher.Refunds)
}

func TestSync_DoubleSaleKeepsPlatformOwner(t *testing.T) {
	f := newSyncFixture(t)
	f.adapter.LockErr = boxoffice.ErrUnavailable
	f.sell(t, "orderG", "A4")

	report := f.sync(t)
	assert.Zero(t, report.LocksPushed)
	assert.False(t, f.seat(t, "A4").LockPushed)

	f.adapter.Update("PERF-1", "E-A4", func(s *boxoffice.SeatState) { s.Sellable = false })
	report = f.sync(t)
	assert.Equal(t, 1, report.Refunds)

	a4 := f.seat(t, "A4")
	assert.True(t, a4.Sold)
	assert.True(t, a4.ExternallySold)
	assert.Equal(t, "orderG", a4.OwningOrder)

	flags, err := f.refunds.ListByOrder(context.Background(), "orderG")
	require.NoError(t, err)
	assert.Len(t, flags, 1)
}

func TestSync_UnlockPushedWhenPlatformSaleUndone(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.sell(t, "orderH", "A1")
	f.sync(t)
	require.True(t, f.seat(t, "A1").LockPushed)

	_, err := f.seatService.ApplyDelta(ctx, "SESS-1", "A1", domain.SeatState{
		Sold:        domain.Bool(false),
		OwningOrder: domain.String(""),
	})
	require.NoError(t, err)

	report := f.sync(t)
	assert.Equal(t, 1, report.UnlocksPushed)
	assert.Equal(t, [][]string{{"E-A1"}}, f.adapter.Unlocked)

	a1 := f.seat(t, "A1")
	assert.False(t, a1.LockPushed)
	assert.True(t, a1.Available())

	report = f.sync(t)
	assert.Zero(t, report.Changed)
}

func TestSync_OperatorHoldAndRelease(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.sync(t)

	f.adapter.Update("PERF-1", "E-A1", func(s *boxoffice.SeatState) { s.LockTag = "op-7" })
	report := f.sync(t)
	assert.Equal(t, 1, report.Applied)
	assert.True(t, f.seat(t, "A1").ExternallyLocked)
	assert.True(t, f.publisher.has(domain.InventoryEventExternallyLocked, "A1"))

	_, err := f.reservations.Reserve(ctx, "SESS-1", []string{"A1"}, "orderJ", 0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	f.adapter.Update("PERF-1", "E-A1", func(s *boxoffice.SeatState) { s.LockTag = "" })
	report = f.sync(t)
	assert.Equal(t, 1, report.Applied)
	assert.False(t, f.seat(t, "A1").ExternallyLocked)
	assert.True(t, f.publisher.has(domain.InventoryEventReleased, "A1"))

	_, err = f.reservations.Reserve(ctx, "SESS-1", []string{"A1"}, "orderJ", 0)
	assert.NoError(t, err)
}

func TestSync_SeatCountDriftDropsBaseline(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.sync(t)

	seats, err := f.adapter.ListSeats(ctx, "acct-1", "PERF-1")
	require.NoError(t, err)
	seats = append(seats, boxoffice.SeatState{ExternalSeatID: "E-A5", Sellable: true})
	f.adapter.SetSeats("PERF-1", seats...)

	report, err := f.reconciler.Sync(ctx, f.binding, SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrStructuralDrift)
	assert.True(t, report.Drift)
	assert.Contains(t, f.publisher.alertKinds(), domain.AlertStructuralDrift)

	snap, err := f.snapshots.Get(ctx, "SESS-1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	report = f.sync(t)
	assert.True(t, report.Init)
	assert.Equal(t, 5, report.Seats)
	assert.Equal(t, 1, report.Unmapped)
}

func TestSync_MalformedPayloadIsDrift(t *testing.T) {
	f := newSyncFixture(t)
	f.sync(t)
	f.adapter.ListErr = fmt.Errorf("%w: unknown field", boxoffice.ErrMalformed)

	report, err := f.reconciler.Sync(context.Background(), f.binding, SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrStructuralDrift)
	assert.True(t, report.Drift)
}

// repeatingAdapter reports the first seat twice, once as sold
type repeatingAdapter struct {
	*boxoffice.FakeAdapter
}

func (a repeatingAdapter) ListSeats(ctx context.Context, account, performanceID string) ([]boxoffice.SeatState, error) {
	seats, err := a.FakeAdapter.ListSeats(ctx, account, performanceID)
	if err != nil || len(seats) == 0 {
		return seats, err
	}
	dup := seats[0]
	dup.Sellable = false
	return append(seats, dup), nil
}

func TestSync_DuplicateSeatIDIsDrift(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.sync(t)
	f.reconciler.deps.Adapter = repeatingAdapter{f.adapter}

	report, err := f.reconciler.Sync(ctx, f.binding, SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrStructuralDrift)
	assert.True(t, report.Drift)
	assert.Zero(t, report.Applied)

	rec := f.seat(t, "A1")
	assert.False(t, rec.ExternallySold)
	assert.True(t, rec.Available())
}

func TestSync_AuthFailuresPauseAccount(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.adapter.ListErr = boxoffice.ErrAuthExpired

	for i := 0; i < 3; i++ {
		_, err := f.reconciler.Sync(ctx, f.binding, SyncOptions{})
		assert.ErrorIs(t, err, domain.ErrExternalSyncFailure)
	}
	assert.Equal(t, []string{domain.AlertAuthExpired}, f.publisher.alertKinds())

	report, err := f.reconciler.Sync(ctx, f.binding, SyncOptions{})
	assert.ErrorIs(t, err, ErrAccountPaused)
	assert.True(t, report.Skipped)
	assert.Equal(t, 3, f.adapter.Calls)

	f.now = f.now.Add(5 * time.Minute)
	f.adapter.ListErr = nil
	report = f.sync(t)
	assert.True(t, report.Init)
	assert.Len(t, f.publisher.alertKinds(), 1)
}

func TestSync_BoxOfficeFailureLeavesRecordsUntouched(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.sync(t)
	f.sell(t, "orderK", "A2")

	before, err := f.seats.ListBySession(ctx, "SESS-1")
	require.NoError(t, err)

	f.adapter.ListErr = boxoffice.ErrUnavailable
	_, err = f.reconciler.Sync(ctx, f.binding, SyncOptions{})
	assert.ErrorIs(t, err, domain.ErrExternalSyncFailure)

	after, err := f.seats.ListBySession(ctx, "SESS-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, f.publisher.Refunds)
}

func TestSync_ContendedSeatRetriedNextCycle(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	f.sync(t)

	ok, err := f.locker.Acquire(ctx, lock.SeatKey("SESS-1", "A3"), "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	f.adapter.Update("PERF-1", "E-A3", func(s *boxoffice.SeatState) { s.Sellable = false })
	f.adapter.Update("PERF-1", "E-A4", func(s *boxoffice.SeatState) { s.Sellable = false })

	report := f.sync(t)
	assert.Equal(t, 2, report.Changed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Applied)
	assert.False(t, f.seat(t, "A3").ExternallySold)
	assert.True(t, f.seat(t, "A4").ExternallySold)

	_, err = f.locker.Release(ctx, lock.SeatKey("SESS-1", "A3"), "someone-else")
	require.NoError(t, err)

	report = f.sync(t)
	assert.Equal(t, 1, report.Changed)
	assert.True(t, f.seat(t, "A3").ExternallySold)
}

func TestSync_SkipsWhenSessionBusy(t *testing.T) {
	f := newSyncFixture(t)
	ok, err := f.locker.Acquire(context.Background(), lock.SessionKey("SESS-1"), "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report := f.sync(t)
	assert.True(t, report.Skipped)
	assert.Zero(t, f.adapter.Calls)
}

func TestSync_ForceInitRebuildsBaseline(t *testing.T) {
	f := newSyncFixture(t)
	f.sync(t)

	report, err := f.reconciler.Sync(context.Background(), f.binding, SyncOptions{ForceInit: true})
	require.NoError(t, err)
	assert.True(t, report.Init)
}
