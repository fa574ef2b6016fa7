package service

import (
	"context"
	"fmt"
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

// StockCoordinator manages general-admission counters
type StockCoordinator interface {
	// Get returns the current counter
	Get(ctx context.Context, sessionID, tierID string) (*domain.StockCounter, error)

	// Decrement takes qty units or fails with domain.ErrInsufficientStock
	Decrement(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, error)

	// Increment returns qty units, never past total
	Increment(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, error)

	// Hold decrements and records a lease for orderToken
	Hold(ctx context.Context, sessionID, tierID string, qty int, orderToken string, ttl time.Duration) (*domain.ReservationLease, error)

	// ConfirmHold makes a hold permanent
	ConfirmHold(ctx context.Context, sessionID, tierID, orderToken string) error

	// ReleaseHold gives a held quantity back. Releasing twice returns it once.
	ReleaseHold(ctx context.Context, sessionID, tierID, orderToken string) (int, error)

	// ReleaseOrder gives back every stock hold of an order
	ReleaseOrder(ctx context.Context, orderToken string) (int, error)
}

// StockConfig contains configuration for the stock coordinator
type StockConfig struct {
	LeaseTTL time.Duration
	// Locker serializes holds of one order on one tier; in-process when nil
	Locker   lock.Locker
	LockTTL  time.Duration
	LockWait time.Duration
	LockPoll time.Duration
	Now      func() time.Time
}

type stockCoordinator struct {
	stock          repository.StockRepository
	leases         repository.LeaseRepository
	eventPublisher EventPublisher
	locker         lock.Locker
	leaseTTL       time.Duration
	lockTTL        time.Duration
	lockWait       time.Duration
	lockPoll       time.Duration
	now            func() time.Time
}

// NewStockCoordinator creates a new stock coordinator
func NewStockCoordinator(
	stock repository.StockRepository,
	leases repository.LeaseRepository,
	eventPublisher EventPublisher,
	cfg *StockConfig,
) StockCoordinator {
	c := &stockCoordinator{
		stock:          stock,
		leases:         leases,
		eventPublisher: eventPublisher,
		leaseTTL:       10 * time.Minute,
		lockTTL:        10 * time.Second,
		lockWait:       2 * time.Second,
		lockPoll:       25 * time.Millisecond,
		now:            time.Now,
	}
	if cfg != nil {
		if cfg.LeaseTTL > 0 {
			c.leaseTTL = cfg.LeaseTTL
		}
		c.locker = cfg.Locker
		if cfg.LockTTL > 0 {
			c.lockTTL = cfg.LockTTL
		}
		if cfg.LockWait > 0 {
			c.lockWait = cfg.LockWait
		}
		if cfg.LockPoll > 0 {
			c.lockPoll = cfg.LockPoll
		}
		if cfg.Now != nil {
			c.now = cfg.Now
		}
	}
	if c.eventPublisher == nil {
		c.eventPublisher = NewNoOpEventPublisher()
	}
	if c.locker == nil {
		c.locker = lock.NewMemoryLocker()
	}
	return c
}

func validateStock(sessionID, tierID string, qty int) error {
	if sessionID == "" {
		return domain.ErrInvalidSessionID
	}
	if tierID == "" {
		return domain.ErrInvalidTierID
	}
	if qty <= 0 {
		return domain.ErrInvalidQuantity
	}
	return nil
}

func (c *stockCoordinator) Get(ctx context.Context, sessionID, tierID string) (*domain.StockCounter, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidSessionID
	}
	if tierID == "" {
		return nil, domain.ErrInvalidTierID
	}
	return c.stock.Get(ctx, sessionID, tierID)
}

// Decrement decrements available stock in one conditional write
func (c *stockCoordinator) Decrement(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.stock.decrement")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("tier_id", tierID),
		attribute.Int("quantity", qty),
	)

	if err := validateStock(sessionID, tierID, qty); err != nil {
		return nil, err
	}

	counter, err := c.stock.Decrement(ctx, sessionID, tierID, qty)
	if err != nil {
		metrics.RecordStockOp(ctx, "decrement", stockResult(err))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.RecordStockOp(ctx, "decrement", "success")
	c.publish(ctx, counter, -qty, "")
	return counter, nil
}

// Increment increments available stock, clamped at total
func (c *stockCoordinator) Increment(ctx context.Context, sessionID, tierID string, qty int) (*domain.StockCounter, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.stock.increment")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("tier_id", tierID),
		attribute.Int("quantity", qty),
	)

	if err := validateStock(sessionID, tierID, qty); err != nil {
		return nil, err
	}

	counter, dropped, err := c.stock.Increment(ctx, sessionID, tierID, qty)
	if err != nil {
		metrics.RecordStockOp(ctx, "increment", stockResult(err))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if dropped > 0 {
		c.reportClamp(ctx, counter, qty, dropped)
	}
	metrics.RecordStockOp(ctx, "increment", "success")
	c.publish(ctx, counter, qty-dropped, "")
	return counter, nil
}

func (c *stockCoordinator) reportClamp(ctx context.Context, counter *domain.StockCounter, qty, dropped int) {
	logger.Get().Warn("stock increment clamped at total",
		zap.String("session_id", counter.SessionID),
		zap.String("tier_id", counter.TierID),
		zap.Int("quantity", qty),
		zap.Int("dropped", dropped),
		zap.Int("total", counter.Total),
	)
	metrics.RecordStockClamped(ctx, counter.SessionID, counter.TierID, dropped)
	alert := &domain.OpsAlert{
		Kind:      domain.AlertStockClamped,
		SessionID: counter.SessionID,
		Message:   fmt.Sprintf("tier %s: increment of %d dropped %d units above total %d", counter.TierID, qty, dropped, counter.Total),
	}
	if err := c.eventPublisher.PublishAlert(ctx, alert); err != nil {
		logger.Get().Warn("failed to publish clamp alert", zap.Error(err))
	}
}

func stockLeaseField(sessionID, tierID string) string {
	return (&domain.ReservationLease{Kind: domain.LeaseKindStock, SessionID: sessionID, TierID: tierID}).Field()
}

func (c *stockCoordinator) findHold(ctx context.Context, sessionID, tierID, orderToken string) (*domain.ReservationLease, error) {
	leases, err := c.leases.ListByOrder(ctx, orderToken)
	if err != nil {
		return nil, err
	}
	field := stockLeaseField(sessionID, tierID)
	for _, l := range leases {
		if l.Field() == field {
			return l, nil
		}
	}
	return nil, nil
}

// Hold takes qty units for an order pending payment
func (c *stockCoordinator) Hold(ctx context.Context, sessionID, tierID string, qty int, orderToken string, ttl time.Duration) (*domain.ReservationLease, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.stock.hold")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("tier_id", tierID),
		attribute.String("order_token", orderToken),
	)

	if err := validateStock(sessionID, tierID, qty); err != nil {
		return nil, err
	}
	if orderToken == "" {
		return nil, domain.ErrInvalidOrderToken
	}
	if ttl < 0 {
		return nil, domain.ErrInvalidLeaseTTL
	}
	if ttl == 0 {
		ttl = c.leaseTTL
	}

	// one hold per order and tier: lookup and lease write must not interleave
	key := lock.HoldKey(sessionID, tierID, orderToken)
	owner := uuid.New().String()
	ok, err := lock.AcquireWithin(ctx, c.locker, key, owner, c.lockTTL, c.lockWait, c.lockPoll)
	if err != nil {
		return nil, fmt.Errorf("hold lock: %v: %w", err, domain.ErrConflict)
	}
	if !ok {
		return nil, fmt.Errorf("order is already holding tier %s: %w", tierID, domain.ErrConflict)
	}
	defer func() {
		if _, err := c.locker.Release(context.WithoutCancel(ctx), key, owner); err != nil {
			logger.Get().Warn("failed to release hold lock", zap.String("key", key), zap.Error(err))
		}
	}()

	existing, err := c.findHold(ctx, sessionID, tierID, orderToken)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.Expired(c.now()) {
			return nil, fmt.Errorf("order already holds tier %s: %w", tierID, domain.ErrConflict)
		}
		if _, err := c.ReleaseHold(ctx, sessionID, tierID, orderToken); err != nil {
			return nil, err
		}
	}

	if _, err := c.Decrement(ctx, sessionID, tierID, qty); err != nil {
		return nil, err
	}

	now := c.now()
	lease := &domain.ReservationLease{
		ID:         uuid.New().String(),
		Kind:       domain.LeaseKindStock,
		SessionID:  sessionID,
		TierID:     tierID,
		Quantity:   qty,
		OrderToken: orderToken,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := c.leases.Put(ctx, lease); err != nil {
		if _, _, incErr := c.stock.Increment(context.WithoutCancel(ctx), sessionID, tierID, qty); incErr != nil {
			logger.Get().Error("failed to return stock after lease write failure",
				zap.String("session_id", sessionID), zap.String("tier_id", tierID), zap.Error(incErr))
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to store stock lease: %w", err)
	}
	return lease, nil
}

// ConfirmHold drops the lease; the decrement stays
func (c *stockCoordinator) ConfirmHold(ctx context.Context, sessionID, tierID, orderToken string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.stock.confirm_hold")
	defer span.End()

	hold, err := c.findHold(ctx, sessionID, tierID, orderToken)
	if err != nil {
		return err
	}
	if hold == nil || hold.Expired(c.now()) {
		metrics.RecordStockOp(ctx, "confirm", "expired")
		return domain.ErrAlreadyExpired
	}

	n, err := c.leases.Delete(ctx, orderToken, hold.Field())
	if err != nil {
		return err
	}
	if n == 0 {
		// released concurrently
		metrics.RecordStockOp(ctx, "confirm", "expired")
		return domain.ErrAlreadyExpired
	}
	metrics.RecordStockOp(ctx, "confirm", "success")
	return nil
}

// ReleaseHold returns the held quantity exactly once
func (c *stockCoordinator) ReleaseHold(ctx context.Context, sessionID, tierID, orderToken string) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.stock.release_hold")
	defer span.End()

	hold, err := c.findHold(ctx, sessionID, tierID, orderToken)
	if err != nil || hold == nil {
		return 0, err
	}
	return c.releaseLease(ctx, hold)
}

func (c *stockCoordinator) releaseLease(ctx context.Context, hold *domain.ReservationLease) (int, error) {
	n, err := c.leases.Delete(ctx, hold.OrderToken, hold.Field())
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, nil
	}
	if _, err := c.Increment(ctx, hold.SessionID, hold.TierID, hold.Quantity); err != nil {
		return 0, err
	}
	return hold.Quantity, nil
}

// ReleaseOrder releases every stock hold of an order
func (c *stockCoordinator) ReleaseOrder(ctx context.Context, orderToken string) (int, error) {
	if orderToken == "" {
		return 0, domain.ErrInvalidOrderToken
	}
	leases, err := c.leases.ListByOrder(ctx, orderToken)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, l := range leases {
		if l.Kind != domain.LeaseKindStock {
			continue
		}
		n, err := c.releaseLease(ctx, l)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *stockCoordinator) publish(ctx context.Context, counter *domain.StockCounter, delta int, orderToken string) {
	event := &domain.InventoryEvent{
		EventType:  domain.InventoryEventStockChanged,
		SessionID:  counter.SessionID,
		TierID:     counter.TierID,
		Quantity:   delta,
		OrderToken: orderToken,
	}
	if err := c.eventPublisher.PublishInventoryEvent(ctx, event); err != nil {
		logger.Get().Warn("failed to publish stock event",
			zap.String("session_id", counter.SessionID), zap.String("tier_id", counter.TierID), zap.Error(err))
	}
}

func stockResult(err error) string {
	switch {
	case domain.IsInsufficientStockError(err):
		return "insufficient"
	case domain.IsNotFoundError(err):
		return "not_found"
	default:
		return "error"
	}
}
