package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/theater-seat-inventory/internal/boxoffice"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/lock"
	"github.com/prohmpiriya/theater-seat-inventory/internal/metrics"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ErrAccountPaused is returned while an account waits out an auth pause
var ErrAccountPaused = errors.New("box office account paused")

// SyncOptions tunes a single Sync call
type SyncOptions struct {
	// ForceInit rebuilds the baseline from scratch
	ForceInit bool
}

// SyncReport summarizes one Sync call
type SyncReport struct {
	SessionID     string        `json:"session_id"`
	Account       string        `json:"account"`
	Init          bool          `json:"init"`
	Skipped       bool          `json:"skipped"`
	Drift         bool          `json:"drift"`
	Seats         int           `json:"seats"`
	Changed       int           `json:"changed"`
	Applied       int           `json:"applied"`
	Failed        int           `json:"failed"`
	Unmapped      int           `json:"unmapped"`
	Refunds       int           `json:"refunds"`
	OwnSales      int           `json:"own_sales"`
	LocksPushed   int           `json:"locks_pushed"`
	UnlocksPushed int           `json:"unlocks_pushed"`
	Duration      time.Duration `json:"duration"`
}

// Dependencies are the collaborators of a Reconciler
type Dependencies struct {
	Seats       repository.SeatRepository
	SeatService service.SeatService
	Leases      repository.LeaseRepository
	Snapshots   repository.SnapshotRepository
	RefundFlags repository.RefundFlagRepository
	Adapter     boxoffice.Adapter
	Locker      lock.Locker
	Publisher   service.EventPublisher
	Guard       *AccountGuard
}

// Config tunes the reconciler
type Config struct {
	SessionLockTTL time.Duration
	SeatLockTTL    time.Duration
	SeatLockWait   time.Duration
	SeatTimeout    time.Duration
	// LockRemark marks platform-pushed holds for bindings that carry none
	LockRemark     string
	Now            func() time.Time
}

// Reconciler brings SeatRecords in step with the box office
type Reconciler struct {
	deps           Dependencies
	sessionLockTTL time.Duration
	seatLockTTL    time.Duration
	seatLockWait   time.Duration
	seatTimeout    time.Duration
	lockRemark     string
	now            func() time.Time
}

// NewReconciler creates a new reconciler
func NewReconciler(deps Dependencies, cfg *Config) *Reconciler {
	r := &Reconciler{
		deps:           deps,
		sessionLockTTL: 2 * time.Minute,
		seatLockTTL:    10 * time.Second,
		seatLockWait:   2 * time.Second,
		seatTimeout:    5 * time.Second,
		now:            time.Now,
	}
	if cfg != nil {
		if cfg.SessionLockTTL > 0 {
			r.sessionLockTTL = cfg.SessionLockTTL
		}
		if cfg.SeatLockTTL > 0 {
			r.seatLockTTL = cfg.SeatLockTTL
		}
		if cfg.SeatLockWait > 0 {
			r.seatLockWait = cfg.SeatLockWait
		}
		if cfg.SeatTimeout > 0 {
			r.seatTimeout = cfg.SeatTimeout
		}
		if cfg.Now != nil {
			r.now = cfg.Now
		}
		r.lockRemark = cfg.LockRemark
	}
	if r.deps.Publisher == nil {
		r.deps.Publisher = service.NewNoOpEventPublisher()
	}
	if r.deps.Guard == nil {
		r.deps.Guard = NewAccountGuard(0, 0, r.now)
	}
	return r
}

// Sync runs one reconciliation cycle for a bound session. Box-office failures leave
// every SeatRecord untouched.
func (r *Reconciler) Sync(ctx context.Context, binding *domain.ExternalBinding, opts SyncOptions) (*SyncReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "reconcile.sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", binding.SessionID),
		attribute.String("account", binding.Account),
		attribute.Bool("force_init", opts.ForceInit),
	)

	if binding.LockRemark == "" && r.lockRemark != "" {
		b := *binding
		b.LockRemark = r.lockRemark
		binding = &b
	}

	start := time.Now()
	report := &SyncReport{SessionID: binding.SessionID, Account: binding.Account}
	err := r.sync(ctx, binding, opts, report)
	report.Duration = time.Since(start)

	result := "success"
	switch {
	case report.Skipped:
		result = "skipped"
	case errors.Is(err, domain.ErrStructuralDrift):
		result = "drift"
	case err != nil:
		result = "error"
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordSync(ctx, binding.SessionID, result, report.Duration.Seconds())
	return report, err
}

func (r *Reconciler) sync(ctx context.Context, binding *domain.ExternalBinding, opts SyncOptions, report *SyncReport) error {
	log := logger.Get()

	paused, resumed := r.deps.Guard.Paused(binding.Account)
	if paused {
		report.Skipped = true
		return ErrAccountPaused
	}
	if resumed {
		metrics.RecordAccountPaused(ctx, false)
		log.Info("box office account resumed", zap.String("account", binding.Account))
	}

	owner := uuid.New().String()
	key := lock.SessionKey(binding.SessionID)
	ok, err := r.deps.Locker.Acquire(ctx, key, owner, r.sessionLockTTL)
	if err != nil {
		return fmt.Errorf("%w: sync lock: %v", domain.ErrExternalSyncFailure, err)
	}
	if !ok {
		report.Skipped = true
		return nil
	}
	defer func() {
		_, _ = r.deps.Locker.Release(context.WithoutCancel(ctx), key, owner)
	}()

	extSeats, err := r.deps.Adapter.ListSeats(ctx, binding.Account, binding.PerformanceID)
	if err != nil {
		return r.fetchFailed(ctx, binding, report, err)
	}
	r.deps.Guard.Success(binding.Account)
	boxoffice.SortSeats(extSeats)
	if err := boxoffice.CheckUnique(extSeats); err != nil {
		return r.drift(ctx, binding, report, err.Error())
	}
	report.Seats = len(extSeats)

	records, err := r.deps.Seats.ListBySession(ctx, binding.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrExternalSyncFailure, err)
	}
	byExt := make(map[string]*domain.SeatRecord, len(records))
	for _, rec := range records {
		if rec.ExternalSeatID != "" {
			byExt[rec.ExternalSeatID] = rec
		}
	}

	snap, err := r.deps.Snapshots.Get(ctx, binding.SessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrExternalSyncFailure, err)
	}
	if snap == nil || opts.ForceInit {
		return r.initialize(ctx, binding, extSeats, byExt, report)
	}
	return r.incremental(ctx, binding, snap, extSeats, byExt, report)
}

// initialize processes every seat and stores a fresh baseline. The baseline is only
// stored when every seat applied, so a partial init is redone next cycle.
func (r *Reconciler) initialize(ctx context.Context, binding *domain.ExternalBinding, ext []boxoffice.SeatState, byExt map[string]*domain.SeatRecord, report *SyncReport) error {
	report.Init = true
	candidate := Build(ext, binding.LockRemark)

	windows := make(map[string][2]int, len(ext))
	all := make([]int, len(ext))
	for i, s := range ext {
		all[i] = i
		if rec, ok := byExt[s.ExternalSeatID]; ok {
			start, end := Window(i)
			windows[rec.SeatID] = [2]int{start, end}
		}
	}
	if err := r.deps.Seats.SetSnapshotIndexes(ctx, binding.SessionID, windows); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrExternalSyncFailure, err)
	}

	report.Changed = len(all)
	failed := r.process(ctx, binding, all, ext, byExt, report)
	overrides := r.pushPass(ctx, binding, ext, report)
	for i, v := range overrides {
		candidate.Set(i, v)
	}

	if len(failed) > 0 {
		logger.Get().Warn("initial sync incomplete, baseline not stored",
			zap.String("session_id", binding.SessionID), zap.Int("failed", len(failed)))
		return nil
	}
	err := r.deps.Snapshots.Save(ctx, &domain.ExternalSnapshot{
		SessionID: binding.SessionID,
		Bits:      candidate.Bytes(),
		Seats:     candidate.Len(),
	})
	if err != nil {
		return fmt.Errorf("%w: save baseline: %v", domain.ErrExternalSyncFailure, err)
	}
	logger.Get().Info(fmt.Sprintf("initialized box office baseline for session %s: %d seats", binding.SessionID, candidate.Len()))
	return nil
}

// incremental XORs the box-office state against the baseline and only touches
// seats whose field changed
func (r *Reconciler) incremental(ctx context.Context, binding *domain.ExternalBinding, snap *domain.ExternalSnapshot, ext []boxoffice.SeatState, byExt map[string]*domain.SeatRecord, report *SyncReport) error {
	if len(ext) != snap.Seats {
		return r.drift(ctx, binding, report, fmt.Sprintf("seat count changed from %d to %d", snap.Seats, len(ext)))
	}

	stored := FromBytes(snap.Bits, snap.Seats)
	candidate := Build(ext, binding.LockRemark)
	changed, err := candidate.Diff(stored)
	if err != nil {
		return r.drift(ctx, binding, report, err.Error())
	}

	for _, i := range changed {
		rec, ok := byExt[ext[i].ExternalSeatID]
		start, _ := Window(i)
		if ok && rec.EndIndex != 0 && rec.StartIndex != start {
			return r.drift(ctx, binding, report, fmt.Sprintf("seat %s moved from bit %d to %d", rec.SeatID, rec.StartIndex, start))
		}
	}

	report.Changed = len(changed)
	failed := r.process(ctx, binding, changed, ext, byExt, report)

	fields := make(map[int]uint8, len(changed))
	for _, i := range changed {
		if !failed[i] {
			fields[i] = candidate.Get(i)
		}
	}
	for i, v := range r.pushPass(ctx, binding, ext, report) {
		fields[i] = v
	}
	if len(fields) == 0 {
		return nil
	}
	if err := r.deps.Snapshots.UpdateFields(ctx, binding.SessionID, fields); err != nil {
		return fmt.Errorf("%w: update baseline: %v", domain.ErrExternalSyncFailure, err)
	}
	return nil
}

// process applies the box-office state of the given seats. A failing seat is logged
// and skipped; the others still apply.
func (r *Reconciler) process(ctx context.Context, binding *domain.ExternalBinding, idxs []int, ext []boxoffice.SeatState, byExt map[string]*domain.SeatRecord, report *SyncReport) map[int]bool {
	failed := make(map[int]bool)
	for _, i := range idxs {
		s := ext[i]
		rec, ok := byExt[s.ExternalSeatID]
		if !ok {
			report.Unmapped++
			continue
		}
		applied, err := r.applySeat(ctx, binding, rec.SeatID, s, report)
		if err != nil {
			failed[i] = true
			report.Failed++
			logger.Get().Warn("seat reconciliation failed, retrying next cycle",
				zap.String("session_id", binding.SessionID),
				zap.String("seat_id", rec.SeatID),
				zap.Error(err),
			)
			continue
		}
		if applied {
			report.Applied++
		}
	}
	return failed
}

func (r *Reconciler) applySeat(ctx context.Context, binding *domain.ExternalBinding, seatID string, ext boxoffice.SeatState, report *SyncReport) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.seatTimeout)
	defer cancel()

	owner := uuid.New().String()
	key := lock.SeatKey(binding.SessionID, seatID)
	ok, err := lock.AcquireWithin(ctx, r.deps.Locker, key, owner, r.seatLockTTL, r.seatLockWait, 0)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, domain.ErrConflict
	}
	defer func() {
		_, _ = r.deps.Locker.Release(context.WithoutCancel(ctx), key, owner)
	}()

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := r.deps.Seats.Get(ctx, binding.SessionID, seatID)
		if err != nil {
			return false, err
		}
		ts, own := Classify(rec, ext, binding.LockRemark)
		if own {
			report.OwnSales++
			return false, nil
		}
		if len(ts) == 0 {
			return false, nil
		}

		next, err := Apply(rec, ts)
		if err != nil {
			return false, err
		}
		updated, err := r.deps.SeatService.WriteThrough(ctx, rec, next)
		if errors.Is(err, domain.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return false, err
		}
		r.afterApply(ctx, binding, rec, updated, ts, report)
		return true, nil
	}
	return false, domain.ErrConflict
}

// afterApply runs the side effects of committed transitions
func (r *Reconciler) afterApply(ctx context.Context, binding *domain.ExternalBinding, prev, updated *domain.SeatRecord, ts []Transition, report *SyncReport) {
	log := logger.Get()
	for _, t := range ts {
		metrics.RecordTransition(ctx, t.Kind())

		switch t := t.(type) {
		case SoldExternally:
			r.publish(ctx, &domain.InventoryEvent{
				EventType: domain.InventoryEventExternallySold,
				SessionID: updated.SessionID,
				SeatIDs:   []string{updated.SeatID},
			})
			if t.PriorOrder == "" {
				continue
			}
			if !t.PlatformSold {
				field := (&domain.ReservationLease{Kind: domain.LeaseKindSeat, SessionID: prev.SessionID, SeatID: prev.SeatID}).Field()
				if _, err := r.deps.Leases.Delete(ctx, t.PriorOrder, field); err != nil {
					log.Warn("failed to drop lease of externally sold seat",
						zap.String("order_token", t.PriorOrder), zap.Error(err))
				}
			}
			r.flagRefund(ctx, updated, t.PriorOrder, report)
		case LockedExternally:
			r.publish(ctx, &domain.InventoryEvent{
				EventType: domain.InventoryEventExternallyLocked,
				SessionID: updated.SessionID,
				SeatIDs:   []string{updated.SeatID},
			})
		case UnlockedExternally, SaleReversedExternally:
			if updated.Available() {
				r.publish(ctx, &domain.InventoryEvent{
					EventType: domain.InventoryEventReleased,
					SessionID: updated.SessionID,
					SeatIDs:   []string{updated.SeatID},
					Reason:    t.Kind(),
				})
			}
		}
	}
}

// flagRefund marks an order that lost a seat to the box office
func (r *Reconciler) flagRefund(ctx context.Context, rec *domain.SeatRecord, orderToken string, report *SyncReport) {
	metrics.RecordDoubleSale(ctx, rec.SessionID)
	logger.Get().Warn("seat sold by box office and platform",
		zap.String("session_id", rec.SessionID),
		zap.String("seat_id", rec.SeatID),
		zap.String("order_token", orderToken),
	)

	created, err := r.deps.RefundFlags.Flag(ctx, &domain.RefundFlag{
		OrderToken: orderToken,
		SessionID:  rec.SessionID,
		SeatID:     rec.SeatID,
		Reason:     domain.RefundReasonExternalSale,
		CreatedAt:  r.now(),
	})
	if err != nil {
		logger.Get().Error("failed to store refund flag",
			zap.String("order_token", orderToken), zap.String("seat_id", rec.SeatID), zap.Error(err))
		return
	}
	if !created {
		return
	}
	report.Refunds++

	event := &domain.RefundRequiredEvent{
		OrderToken: orderToken,
		SessionID:  rec.SessionID,
		SeatID:     rec.SeatID,
		Reason:     domain.RefundReasonExternalSale,
	}
	if err := r.deps.Publisher.PublishRefundRequired(ctx, event); err != nil {
		logger.Get().Warn("failed to publish refund request", zap.String("order_token", orderToken), zap.Error(err))
	}
}

// pushPass mirrors platform sales onto the box office as holds and lifts holds the
// platform no longer needs. It returns the baseline fields the pushes changed.
func (r *Reconciler) pushPass(ctx context.Context, binding *domain.ExternalBinding, ext []boxoffice.SeatState, report *SyncReport) map[int]uint8 {
	overrides := make(map[int]uint8)
	log := logger.Get()

	records, err := r.deps.Seats.ListBySession(ctx, binding.SessionID)
	if err != nil {
		log.Warn("push pass skipped", zap.String("session_id", binding.SessionID), zap.Error(err))
		return overrides
	}
	index := make(map[string]int, len(ext))
	for i, s := range ext {
		index[s.ExternalSeatID] = i
	}

	var toLock, toUnlock []*domain.SeatRecord
	for _, rec := range records {
		i, ok := index[rec.ExternalSeatID]
		if !ok || rec.ExternalSeatID == "" {
			continue
		}
		s := ext[i]
		switch {
		case rec.Sold && !rec.LockPushed && !rec.ExternallySold && !s.Sold() && !s.Locked():
			toLock = append(toLock, rec)
		case rec.LockPushed && !rec.Sold && !rec.Reserved && !s.Sold() && s.LockedBy(binding.LockRemark):
			toUnlock = append(toUnlock, rec)
		}
	}

	push := func(recs []*domain.SeatRecord, locking bool) int {
		if len(recs) == 0 {
			return 0
		}
		ids := make([]string, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ExternalSeatID
		}
		var err error
		if locking {
			err = r.deps.Adapter.LockSeats(ctx, binding.Account, binding.PerformanceID, ids, binding.LockRemark)
		} else {
			err = r.deps.Adapter.UnlockSeats(ctx, binding.Account, binding.PerformanceID, ids)
		}
		if err != nil {
			log.Warn("box office push failed",
				zap.String("session_id", binding.SessionID), zap.Bool("lock", locking), zap.Error(err))
			return 0
		}

		field := uint8(0)
		if locking {
			field = BitPlatformLock | BitLocked
		}
		for _, rec := range recs {
			overrides[index[rec.ExternalSeatID]] = field
			if _, err := r.deps.SeatService.ApplyDelta(ctx, rec.SessionID, rec.SeatID, domain.SeatState{LockPushed: domain.Bool(locking)}); err != nil {
				log.Error("box office push not recorded on seat",
					zap.String("session_id", rec.SessionID), zap.String("seat_id", rec.SeatID), zap.Error(err))
			}
		}
		return len(recs)
	}

	report.LocksPushed += push(toLock, true)
	report.UnlocksPushed += push(toUnlock, false)
	return overrides
}

func (r *Reconciler) fetchFailed(ctx context.Context, binding *domain.ExternalBinding, report *SyncReport, err error) error {
	log := logger.Get()
	switch {
	case errors.Is(err, boxoffice.ErrAuthExpired):
		metrics.RecordAuthFailure(ctx, binding.Account)
		paused, count := r.deps.Guard.Failure(binding.Account)
		log.Warn("box office login expired",
			zap.String("account", binding.Account), zap.Int("consecutive_failures", count))
		if paused {
			metrics.RecordAccountPaused(ctx, true)
			r.alert(ctx, &domain.OpsAlert{
				Kind:      domain.AlertAuthExpired,
				Account:   binding.Account,
				SessionID: binding.SessionID,
				Message:   fmt.Sprintf("box office login for %s failed %d times in a row, reconciliation paused", binding.Account, count),
			})
		}
	case errors.Is(err, boxoffice.ErrMalformed):
		return r.drift(ctx, binding, report, err.Error())
	case boxoffice.IsRetryable(err):
		log.Warn("box office unavailable, retrying next cycle",
			zap.String("session_id", binding.SessionID), zap.Error(err))
	default:
		log.Error("box office rejected seat list request",
			zap.String("session_id", binding.SessionID),
			zap.String("performance_id", binding.PerformanceID),
			zap.Error(err))
	}
	return fmt.Errorf("%w: %v", domain.ErrExternalSyncFailure, err)
}

// drift drops the baseline so the next cycle re-initializes
func (r *Reconciler) drift(ctx context.Context, binding *domain.ExternalBinding, report *SyncReport, reason string) error {
	report.Drift = true
	metrics.RecordStructuralDrift(ctx, binding.SessionID)
	logger.Get().Warn("box office structural drift, baseline dropped",
		zap.String("session_id", binding.SessionID), zap.String("reason", reason))

	if err := r.deps.Snapshots.Delete(ctx, binding.SessionID); err != nil {
		logger.Get().Error("failed to drop baseline", zap.String("session_id", binding.SessionID), zap.Error(err))
	}
	r.alert(ctx, &domain.OpsAlert{
		Kind:      domain.AlertStructuralDrift,
		Account:   binding.Account,
		SessionID: binding.SessionID,
		Message:   reason,
	})
	return fmt.Errorf("%w: %s", domain.ErrStructuralDrift, reason)
}

func (r *Reconciler) alert(ctx context.Context, a *domain.OpsAlert) {
	if err := r.deps.Publisher.PublishAlert(ctx, a); err != nil {
		logger.Get().Warn("failed to publish alert", zap.String("kind", a.Kind), zap.Error(err))
	}
}

func (r *Reconciler) publish(ctx context.Context, e *domain.InventoryEvent) {
	if err := r.deps.Publisher.PublishInventoryEvent(ctx, e); err != nil {
		logger.Get().Warn("failed to publish inventory event",
			zap.String("event_type", string(e.EventType)), zap.Error(err))
	}
}
