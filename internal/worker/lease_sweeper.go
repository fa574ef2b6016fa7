package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/metrics"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"go.uber.org/zap"
)

// LeaseSweeperConfig contains configuration for the lease sweeper
type LeaseSweeperConfig struct {
	// ScanInterval is the interval between scans for lapsed leases
	ScanInterval time.Duration
	// BatchSize caps the orders handled per scan
	BatchSize int
	Now       func() time.Time
}

// DefaultLeaseSweeperConfig returns default configuration
func DefaultLeaseSweeperConfig() *LeaseSweeperConfig {
	return &LeaseSweeperConfig{
		ScanInterval: 5 * time.Second,
		BatchSize:    100,
		Now:          time.Now,
	}
}

// LeaseSweeper returns seats and stock of lapsed reservation leases to sale
type LeaseSweeper struct {
	leases       repository.LeaseRepository
	reservations service.ReservationCoordinator
	stock        service.StockCoordinator
	config       *LeaseSweeperConfig
	log          *logger.Logger
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool

	// Stats
	totalOrders      int64
	totalSeats       int64
	totalStock       int64
	totalFailures    int64
	lastScanTime     time.Time
	lastExpiredCount int
}

// NewLeaseSweeper creates a new lease sweeper
func NewLeaseSweeper(
	leases repository.LeaseRepository,
	reservations service.ReservationCoordinator,
	stock service.StockCoordinator,
	config *LeaseSweeperConfig,
) *LeaseSweeper {
	def := DefaultLeaseSweeperConfig()
	if config == nil {
		config = def
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Now == nil {
		config.Now = def.Now
	}

	return &LeaseSweeper{
		leases:       leases,
		reservations: reservations,
		stock:        stock,
		config:       config,
		log:          logger.Get(),
		stopCh:       make(chan struct{}),
	}
}

// Start starts the sweeper
func (w *LeaseSweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("lease sweeper already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting lease sweeper", zap.Duration("interval", w.config.ScanInterval))

	w.wg.Add(1)
	go w.loop(ctx)

	return nil
}

// Stop stops the sweeper and waits for the current scan
func (w *LeaseSweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping lease sweeper")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Lease sweeper stopped")
}

func (w *LeaseSweeper) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ScanInterval)
	defer ticker.Stop()

	// Run immediately on start
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps one batch of orders with lapsed leases and returns how many orders
// it handled
func (w *LeaseSweeper) RunOnce(ctx context.Context) int {
	now := w.config.Now()
	w.mu.Lock()
	w.lastScanTime = now
	w.mu.Unlock()

	orders, err := w.leases.ListExpired(ctx, now, w.config.BatchSize)
	if err != nil {
		w.log.Error("Failed to list expired leases", zap.Error(err))
		return 0
	}
	w.mu.Lock()
	w.lastExpiredCount = len(orders)
	w.mu.Unlock()
	if len(orders) == 0 {
		return 0
	}

	w.log.Info(fmt.Sprintf("Found %d orders with lapsed leases", len(orders)))

	handled := 0
	for _, order := range orders {
		if err := w.sweepOrder(ctx, order, now); err != nil {
			w.log.Error("Failed to sweep order", zap.String("order_token", order), zap.Error(err))
			w.mu.Lock()
			w.totalFailures++
			w.mu.Unlock()
			continue
		}
		handled++
	}

	w.mu.Lock()
	w.totalOrders += int64(handled)
	w.mu.Unlock()
	return handled
}

// sweepOrder releases the lapsed leases of one order. Leases that have not lapsed
// are left alone. An order without any live seat lease has its reserved seats
// released too, since Release finds seats by owner, not by lease.
func (w *LeaseSweeper) sweepOrder(ctx context.Context, order string, now time.Time) error {
	leases, err := w.leases.ListByOrder(ctx, order)
	if err != nil {
		return err
	}

	seatLapsed, seatLive := false, false
	for _, l := range leases {
		if l.Kind == domain.LeaseKindSeat && !l.Expired(now) {
			seatLive = true
		}
		if !l.Expired(now) {
			continue
		}
		switch l.Kind {
		case domain.LeaseKindSeat:
			seatLapsed = true
		case domain.LeaseKindStock:
			n, err := w.stock.ReleaseHold(ctx, l.SessionID, l.TierID, order)
			if err != nil {
				return fmt.Errorf("release stock hold %s: %w", l.Field(), err)
			}
			metrics.RecordLeaseExpired(ctx, string(domain.LeaseKindStock))
			w.mu.Lock()
			w.totalStock += int64(n)
			w.mu.Unlock()
		}
	}

	if seatLive && !seatLapsed {
		return nil
	}
	n, err := w.reservations.Release(ctx, order, service.ReleaseReasonExpired)
	if err != nil {
		return fmt.Errorf("release seats: %w", err)
	}
	if seatLapsed || n > 0 {
		metrics.RecordLeaseExpired(ctx, string(domain.LeaseKindSeat))
	}
	w.mu.Lock()
	w.totalSeats += int64(n)
	w.mu.Unlock()
	return nil
}

// GetStats returns sweeper statistics
func (w *LeaseSweeper) GetStats() *LeaseSweeperStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &LeaseSweeperStats{
		IsRunning:        w.running,
		TotalOrders:      w.totalOrders,
		TotalSeats:       w.totalSeats,
		TotalStock:       w.totalStock,
		TotalFailures:    w.totalFailures,
		LastScanTime:     w.lastScanTime,
		LastExpiredCount: w.lastExpiredCount,
	}
}

// LeaseSweeperStats contains sweeper statistics
type LeaseSweeperStats struct {
	IsRunning        bool      `json:"is_running"`
	TotalOrders      int64     `json:"total_orders"`
	TotalSeats       int64     `json:"total_seats"`
	TotalStock       int64     `json:"total_stock"`
	TotalFailures    int64     `json:"total_failures"`
	LastScanTime     time.Time `json:"last_scan_time"`
	LastExpiredCount int       `json:"last_expired_count"`
}
