package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/lock"
	"github.com/prohmpiriya/theater-seat-inventory/internal/metrics"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Release reasons
const (
	ReleaseReasonCancel         = "cancel"
	ReleaseReasonPaymentTimeout = "payment_timeout"
	ReleaseReasonRefund         = "refund"
	ReleaseReasonExpired        = "lease_expired"
)

// ReservationCoordinator holds, confirms and releases assigned seats
type ReservationCoordinator interface {
	// Reserve holds every seat for orderToken or none of them
	Reserve(ctx context.Context, sessionID string, seatIDs []string, orderToken string, leaseTTL time.Duration) ([]*domain.ReservationLease, error)

	// Confirm turns the order's held seats into sold seats
	Confirm(ctx context.Context, orderToken string) ([]string, error)

	// Release frees every unsold seat of the order. Calling it again is a no-op.
	Release(ctx context.Context, orderToken, reason string) (int, error)
}

// ReservationConfig contains configuration for the reservation coordinator
type ReservationConfig struct {
	LockTTL        time.Duration
	LockWait       time.Duration
	LockPoll       time.Duration
	LeaseTTL       time.Duration
	VersionRetries int
	MaxSeats       int
	Now            func() time.Time
}

type reservationCoordinator struct {
	seats          repository.SeatRepository
	seatService    SeatService
	leases         repository.LeaseRepository
	locker         lock.Locker
	eventPublisher EventPublisher
	lockTTL        time.Duration
	lockWait       time.Duration
	lockPoll       time.Duration
	leaseTTL       time.Duration
	versionRetries int
	maxSeats       int
	now            func() time.Time
}

// NewReservationCoordinator creates a new reservation coordinator
func NewReservationCoordinator(
	seats repository.SeatRepository,
	seatService SeatService,
	leases repository.LeaseRepository,
	locker lock.Locker,
	eventPublisher EventPublisher,
	cfg *ReservationConfig,
) ReservationCoordinator {
	c := &reservationCoordinator{
		seats:          seats,
		seatService:    seatService,
		leases:         leases,
		locker:         locker,
		eventPublisher: eventPublisher,
		lockTTL:        60 * time.Second,
		lockWait:       2 * time.Second,
		lockPoll:       25 * time.Millisecond,
		leaseTTL:       10 * time.Minute,
		versionRetries: 3,
		maxSeats:       10,
		now:            time.Now,
	}
	if cfg != nil {
		if cfg.LockTTL > 0 {
			c.lockTTL = cfg.LockTTL
		}
		if cfg.LockWait > 0 {
			c.lockWait = cfg.LockWait
		}
		if cfg.LockPoll > 0 {
			c.lockPoll = cfg.LockPoll
		}
		if cfg.LeaseTTL > 0 {
			c.leaseTTL = cfg.LeaseTTL
		}
		if cfg.VersionRetries > 0 {
			c.versionRetries = cfg.VersionRetries
		}
		if cfg.MaxSeats > 0 {
			c.maxSeats = cfg.MaxSeats
		}
		if cfg.Now != nil {
			c.now = cfg.Now
		}
	}
	if c.eventPublisher == nil {
		c.eventPublisher = NewNoOpEventPublisher()
	}
	return c
}

// seatChange is one committed write, kept so a failed call can undo it
type seatChange struct {
	prev    *domain.SeatRecord
	updated *domain.SeatRecord
}

// Reserve reserves seats for an order
func (c *reservationCoordinator) Reserve(ctx context.Context, sessionID string, seatIDs []string, orderToken string, leaseTTL time.Duration) ([]*domain.ReservationLease, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.reserve")
	defer span.End()
	start := time.Now()

	seatIDs, err := c.validate(sessionID, seatIDs, orderToken)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if leaseTTL < 0 {
		return nil, domain.ErrInvalidLeaseTTL
	}
	if leaseTTL == 0 {
		leaseTTL = c.leaseTTL
	}
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("order_token", orderToken),
		attribute.Int("seats", len(seatIDs)),
	)

	result := "success"
	defer func() {
		metrics.RecordReserve(ctx, sessionID, result, len(seatIDs), time.Since(start).Seconds())
	}()

	owner := uuid.New().String()
	unlock, err := c.lockSeats(ctx, sessionID, seatIDs, owner)
	if err != nil {
		result = "conflict"
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer unlock()

	var changes []seatChange
	var reclaimed []*domain.ReservationLease
	for _, seatID := range seatIDs {
		change, stale, err := c.reserveOne(ctx, sessionID, seatID, orderToken)
		if err != nil {
			c.rollback(ctx, changes)
			result = resultLabel(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if change != nil {
			changes = append(changes, *change)
		}
		if stale != nil {
			reclaimed = append(reclaimed, stale)
		}
	}

	now := c.now()
	leases := make([]*domain.ReservationLease, len(seatIDs))
	for i, seatID := range seatIDs {
		leases[i] = &domain.ReservationLease{
			ID:         uuid.New().String(),
			Kind:       domain.LeaseKindSeat,
			SessionID:  sessionID,
			SeatID:     seatID,
			OrderToken: orderToken,
			ExpiresAt:  now.Add(leaseTTL),
			CreatedAt:  now,
		}
	}
	if err := c.leases.Put(ctx, leases...); err != nil {
		c.rollback(ctx, changes)
		result = "error"
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to store leases: %w", err)
	}

	for _, stale := range reclaimed {
		if _, err := c.leases.Delete(ctx, stale.OrderToken, stale.Field()); err != nil {
			logger.Get().Warn("failed to drop reclaimed lease",
				zap.String("order_token", stale.OrderToken), zap.String("seat_id", stale.SeatID), zap.Error(err))
		}
	}

	c.publish(ctx, &domain.InventoryEvent{
		EventType:  domain.InventoryEventReserved,
		SessionID:  sessionID,
		SeatIDs:    seatIDs,
		OrderToken: orderToken,
	})
	return leases, nil
}

// reserveOne writes reserved=true for one seat under its lock. A seat still reserved
// by an order whose lease lapsed is taken over; the stale lease is returned.
func (c *reservationCoordinator) reserveOne(ctx context.Context, sessionID, seatID, orderToken string) (*seatChange, *domain.ReservationLease, error) {
	for attempt := 0; attempt < c.versionRetries; attempt++ {
		rec, err := c.seats.Get(ctx, sessionID, seatID)
		if err != nil {
			return nil, nil, err
		}

		var stale *domain.ReservationLease
		switch {
		case rec.Reserved && rec.OwningOrder == orderToken:
			return nil, nil, nil
		case rec.Available():
		case c.reclaimable(ctx, rec):
			stale = &domain.ReservationLease{Kind: domain.LeaseKindSeat, SessionID: sessionID, SeatID: seatID, OrderToken: rec.OwningOrder}
		default:
			return nil, nil, fmt.Errorf("seat %s already taken: %w", seatID, domain.ErrConflict)
		}

		next := rec.Clone()
		next.Reserved = true
		next.OwningOrder = orderToken
		updated, err := c.seatService.WriteThrough(ctx, rec, next)
		if errors.Is(err, domain.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if stale != nil {
			logger.Get().Info("reclaimed seat from lapsed hold",
				zap.String("session_id", sessionID),
				zap.String("seat_id", seatID),
				zap.String("previous_order", stale.OrderToken),
				zap.String("order_token", orderToken),
			)
		}
		return &seatChange{prev: rec, updated: updated}, stale, nil
	}
	return nil, nil, fmt.Errorf("seat %s kept changing: %w", seatID, domain.ErrConflict)
}

// reclaimable reports whether a reserved, unsold seat belongs to a hold that lapsed
func (c *reservationCoordinator) reclaimable(ctx context.Context, rec *domain.SeatRecord) bool {
	if !rec.Reserved || rec.Sold || rec.ExternallyLocked || rec.ExternallySold {
		return false
	}
	leases, err := c.leases.ListByOrder(ctx, rec.OwningOrder)
	if err != nil {
		return false
	}
	field := (&domain.ReservationLease{Kind: domain.LeaseKindSeat, SessionID: rec.SessionID, SeatID: rec.SeatID}).Field()
	for _, l := range leases {
		if l.Field() == field {
			return l.Expired(c.now())
		}
	}
	// no lease at all: the reserving call died between the seat write and the lease write
	return c.now().Sub(rec.UpdatedAt) > c.lockTTL
}

// Confirm confirms every seat held by an order
func (c *reservationCoordinator) Confirm(ctx context.Context, orderToken string) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.confirm")
	defer span.End()
	span.SetAttributes(attribute.String("order_token", orderToken))

	if orderToken == "" {
		return nil, domain.ErrInvalidOrderToken
	}

	all, err := c.leases.ListByOrder(ctx, orderToken)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var leases []*domain.ReservationLease
	for _, l := range all {
		if l.Kind != domain.LeaseKindSeat {
			continue
		}
		if l.Expired(now) {
			metrics.RecordConfirm(ctx, "expired")
			return nil, fmt.Errorf("lease %s: %w", l.Field(), domain.ErrAlreadyExpired)
		}
		leases = append(leases, l)
	}
	if len(leases) == 0 {
		metrics.RecordConfirm(ctx, "expired")
		return nil, domain.ErrAlreadyExpired
	}

	bySession := make(map[string][]string)
	for _, l := range leases {
		bySession[l.SessionID] = append(bySession[l.SessionID], l.SeatID)
	}

	sessions := make([]string, 0, len(bySession))
	for sessionID, seatIDs := range bySession {
		sort.Strings(seatIDs)
		sessions = append(sessions, sessionID)
	}
	sort.Strings(sessions)

	// every session stays locked until the confirm or its rollback is done
	owner := uuid.New().String()
	var unlocks []func()
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()
	for _, sessionID := range sessions {
		unlock, err := c.lockSeats(ctx, sessionID, bySession[sessionID], owner)
		if err != nil {
			metrics.RecordConfirm(ctx, "conflict")
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}

	var changes []seatChange
	var confirmed []string
	for _, sessionID := range sessions {
		for _, seatID := range bySession[sessionID] {
			change, err := c.confirmOne(ctx, sessionID, seatID, orderToken)
			if err != nil {
				c.rollback(ctx, changes)
				metrics.RecordConfirm(ctx, resultLabel(err))
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			if change != nil {
				changes = append(changes, *change)
			}
			confirmed = append(confirmed, seatID)
		}
	}

	fields := make([]string, len(leases))
	for i, l := range leases {
		fields[i] = l.Field()
	}
	if _, err := c.leases.Delete(ctx, orderToken, fields...); err != nil {
		logger.Get().Warn("failed to clear confirmed leases",
			zap.String("order_token", orderToken), zap.Error(err))
	}

	for sessionID, seatIDs := range bySession {
		c.publish(ctx, &domain.InventoryEvent{
			EventType:  domain.InventoryEventConfirmed,
			SessionID:  sessionID,
			SeatIDs:    seatIDs,
			OrderToken: orderToken,
		})
	}
	metrics.RecordConfirm(ctx, "success")
	sort.Strings(confirmed)
	return confirmed, nil
}

func (c *reservationCoordinator) confirmOne(ctx context.Context, sessionID, seatID, orderToken string) (*seatChange, error) {
	for attempt := 0; attempt < c.versionRetries; attempt++ {
		rec, err := c.seats.Get(ctx, sessionID, seatID)
		if err != nil {
			return nil, err
		}
		if !rec.HeldBy(orderToken) {
			return nil, fmt.Errorf("seat %s no longer held by order: %w", seatID, domain.ErrAlreadyExpired)
		}
		if rec.Sold {
			return nil, nil
		}

		next := rec.Clone()
		next.Reserved = false
		next.Sold = true
		updated, err := c.seatService.WriteThrough(ctx, rec, next)
		if errors.Is(err, domain.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &seatChange{prev: rec, updated: updated}, nil
	}
	return nil, fmt.Errorf("seat %s kept changing: %w", seatID, domain.ErrConflict)
}

// Release releases every reserved, unsold seat of an order
func (c *reservationCoordinator) Release(ctx context.Context, orderToken, reason string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.reservation.release")
	defer span.End()
	span.SetAttributes(attribute.String("order_token", orderToken), attribute.String("reason", reason))

	if orderToken == "" {
		return 0, domain.ErrInvalidOrderToken
	}

	held, err := c.seats.ListByOwner(ctx, orderToken)
	if err != nil {
		return 0, err
	}

	bySession := make(map[string][]string)
	for _, rec := range held {
		if rec.Reserved && !rec.Sold {
			bySession[rec.SessionID] = append(bySession[rec.SessionID], rec.SeatID)
		}
	}

	owner := uuid.New().String()
	released := 0
	for sessionID, seatIDs := range bySession {
		sort.Strings(seatIDs)
		unlock, err := c.lockSeats(ctx, sessionID, seatIDs, owner)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return released, err
		}

		var freed []string
		for _, seatID := range seatIDs {
			ok, err := c.releaseOne(ctx, sessionID, seatID, orderToken)
			if err != nil {
				unlock()
				span.SetStatus(codes.Error, err.Error())
				return released, err
			}
			if ok {
				freed = append(freed, seatID)
			}
		}
		unlock()

		released += len(freed)
		if len(freed) > 0 {
			c.publish(ctx, &domain.InventoryEvent{
				EventType:  domain.InventoryEventReleased,
				SessionID:  sessionID,
				SeatIDs:    freed,
				OrderToken: orderToken,
				Reason:     reason,
			})
		}
	}

	if err := c.dropSeatLeases(ctx, orderToken); err != nil {
		return released, err
	}

	metrics.RecordRelease(ctx, reason, released)
	if released > 0 {
		logger.Get().Info(fmt.Sprintf("released %d seats of order %s", released, orderToken),
			zap.String("reason", reason))
	}
	return released, nil
}

func (c *reservationCoordinator) releaseOne(ctx context.Context, sessionID, seatID, orderToken string) (bool, error) {
	for attempt := 0; attempt < c.versionRetries; attempt++ {
		rec, err := c.seats.Get(ctx, sessionID, seatID)
		if err != nil {
			return false, err
		}
		if !rec.Reserved || rec.Sold || rec.OwningOrder != orderToken {
			return false, nil
		}

		next := rec.Clone()
		next.Reserved = false
		next.OwningOrder = ""
		_, err = c.seatService.WriteThrough(ctx, rec, next)
		if errors.Is(err, domain.ErrVersionMismatch) {
			continue
		}
		return err == nil, err
	}
	return false, fmt.Errorf("seat %s kept changing: %w", seatID, domain.ErrConflict)
}

func (c *reservationCoordinator) dropSeatLeases(ctx context.Context, orderToken string) error {
	leases, err := c.leases.ListByOrder(ctx, orderToken)
	if err != nil {
		return err
	}
	var fields []string
	for _, l := range leases {
		if l.Kind == domain.LeaseKindSeat {
			fields = append(fields, l.Field())
		}
	}
	if len(fields) == 0 {
		return nil
	}
	_, err = c.leases.Delete(ctx, orderToken, fields...)
	return err
}

// lockSeats takes every seat lock in seat id order. Any miss releases what was taken.
func (c *reservationCoordinator) lockSeats(ctx context.Context, sessionID string, seatIDs []string, owner string) (func(), error) {
	taken := make([]string, 0, len(seatIDs))
	unlock := func() {
		releaseCtx := context.WithoutCancel(ctx)
		for _, key := range taken {
			if _, err := c.locker.Release(releaseCtx, key, owner); err != nil {
				logger.Get().Warn("failed to release seat lock", zap.String("key", key), zap.Error(err))
			}
		}
	}

	for _, seatID := range seatIDs {
		key := lock.SeatKey(sessionID, seatID)
		ok, err := lock.AcquireWithin(ctx, c.locker, key, owner, c.lockTTL, c.lockWait, c.lockPoll)
		if err != nil || !ok {
			unlock()
			if err != nil {
				return nil, fmt.Errorf("seat %s lock: %v: %w", seatID, err, domain.ErrConflict)
			}
			return nil, fmt.Errorf("seat %s is locked: %w", seatID, domain.ErrConflict)
		}
		taken = append(taken, key)
	}
	return unlock, nil
}

// rollback undoes committed writes newest first
func (c *reservationCoordinator) rollback(ctx context.Context, changes []seatChange) {
	ctx = context.WithoutCancel(ctx)
	for i := len(changes) - 1; i >= 0; i-- {
		ch := changes[i]
		restore := ch.updated.Clone()
		restore.Sold = ch.prev.Sold
		restore.Reserved = ch.prev.Reserved
		restore.OwningOrder = ch.prev.OwningOrder
		if _, err := c.seatService.WriteThrough(ctx, ch.updated, restore); err != nil {
			logger.Get().Error("failed to roll back seat",
				zap.String("session_id", ch.updated.SessionID),
				zap.String("seat_id", ch.updated.SeatID),
				zap.Error(err),
			)
		}
	}
}

func (c *reservationCoordinator) validate(sessionID string, seatIDs []string, orderToken string) ([]string, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}
	if orderToken == "" {
		return nil, domain.ErrInvalidOrderToken
	}
	if len(seatIDs) == 0 {
		return nil, domain.ErrNoSeats
	}
	if len(seatIDs) > c.maxSeats {
		return nil, domain.ErrTooManySeats
	}

	sorted := make([]string, len(seatIDs))
	copy(sorted, seatIDs)
	sort.Strings(sorted)
	for i, id := range sorted {
		if id == "" {
			return nil, domain.ErrInvalidSeatID
		}
		if i > 0 && sorted[i-1] == id {
			return nil, domain.ErrDuplicateSeat
		}
	}
	return sorted, nil
}

func (c *reservationCoordinator) publish(ctx context.Context, event *domain.InventoryEvent) {
	if err := c.eventPublisher.PublishInventoryEvent(ctx, event); err != nil {
		logger.Get().Warn("failed to publish inventory event",
			zap.String("event_type", string(event.EventType)),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case domain.IsConflictError(err):
		return "conflict"
	case domain.IsNotFoundError(err):
		return "not_found"
	case domain.IsExpiredError(err):
		return "expired"
	default:
		return "error"
	}
}
