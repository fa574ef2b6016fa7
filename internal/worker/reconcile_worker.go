package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/domain"
	"github.com/prohmpiriya/theater-seat-inventory/internal/reconcile"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SessionSyncer reconciles one bound session
type SessionSyncer interface {
	Sync(ctx context.Context, binding *domain.ExternalBinding, opts reconcile.SyncOptions) (*reconcile.SyncReport, error)
}

// ReconcileWorkerConfig contains configuration for the reconcile worker
type ReconcileWorkerConfig struct {
	// Interval between reconciliation cycles
	Interval time.Duration
	// Concurrency bounds the sessions synced at once
	Concurrency int
	// SyncTimeout bounds one session's sync
	SyncTimeout time.Duration
}

// DefaultReconcileWorkerConfig returns default configuration
func DefaultReconcileWorkerConfig() *ReconcileWorkerConfig {
	return &ReconcileWorkerConfig{
		Interval:    30 * time.Second,
		Concurrency: 4,
		SyncTimeout: 2 * time.Minute,
	}
}

// ReconcileWorker periodically syncs every active binding with the box office
type ReconcileWorker struct {
	bindings repository.BindingRepository
	syncer   SessionSyncer
	config   *ReconcileWorkerConfig
	log      *logger.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	// Stats
	totalCycles  int64
	totalSyncs   int64
	totalFailed  int64
	totalRefunds int64
	lastRunTime  time.Time
	lastReports  []*reconcile.SyncReport
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(bindings repository.BindingRepository, syncer SessionSyncer, config *ReconcileWorkerConfig) *ReconcileWorker {
	def := DefaultReconcileWorkerConfig()
	if config == nil {
		config = def
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = def.SyncTimeout
	}

	return &ReconcileWorker{
		bindings: bindings,
		syncer:   syncer,
		config:   config,
		log:      logger.Get(),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the worker
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("reconcile worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.log.Info("Starting reconcile worker",
		zap.Duration("interval", w.config.Interval), zap.Int("concurrency", w.config.Concurrency))

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop stops the worker and waits for the running cycle
func (w *ReconcileWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.Info("Stopping reconcile worker")
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("Reconcile worker stopped")
}

func (w *ReconcileWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	if _, err := w.RunOnce(ctx, reconcile.SyncOptions{}); err != nil {
		w.log.Error("Reconcile cycle failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx, reconcile.SyncOptions{}); err != nil {
				w.log.Error("Reconcile cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce syncs every active binding. A failing session does not stop the others;
// the error is only returned when the bindings could not be listed.
func (w *ReconcileWorker) RunOnce(ctx context.Context, opts reconcile.SyncOptions) ([]*reconcile.SyncReport, error) {
	bindings, err := w.bindings.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	return w.run(ctx, bindings, opts), nil
}

// RunSession syncs a single session
func (w *ReconcileWorker) RunSession(ctx context.Context, sessionID string, opts reconcile.SyncOptions) (*reconcile.SyncReport, error) {
	binding, err := w.bindings.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, w.config.SyncTimeout)
	defer cancel()
	return w.syncer.Sync(ctx, binding, opts)
}

func (w *ReconcileWorker) run(ctx context.Context, bindings []*domain.ExternalBinding, opts reconcile.SyncOptions) []*reconcile.SyncReport {
	reports := make([]*reconcile.SyncReport, len(bindings))
	failed := make([]bool, len(bindings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.config.Concurrency)
	for i, b := range bindings {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, w.config.SyncTimeout)
			defer cancel()

			report, err := w.syncer.Sync(sctx, b, opts)
			reports[i] = report
			if err != nil && !errors.Is(err, reconcile.ErrAccountPaused) {
				failed[i] = true
				w.log.Warn("Session sync failed",
					zap.String("session_id", b.SessionID), zap.Error(err))
			}
			// per-session failures never cancel the siblings
			return nil
		})
	}
	_ = g.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalCycles++
	w.lastRunTime = time.Now()
	w.lastReports = reports
	for i, r := range reports {
		w.totalSyncs++
		if failed[i] {
			w.totalFailed++
		}
		if r != nil {
			w.totalRefunds += int64(r.Refunds)
		}
	}
	return reports
}

// GetStats returns worker statistics
func (w *ReconcileWorker) GetStats() *ReconcileWorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return &ReconcileWorkerStats{
		IsRunning:    w.running,
		TotalCycles:  w.totalCycles,
		TotalSyncs:   w.totalSyncs,
		TotalFailed:  w.totalFailed,
		TotalRefunds: w.totalRefunds,
		LastRunTime:  w.lastRunTime,
		LastReports:  w.lastReports,
	}
}

// ReconcileWorkerStats contains worker statistics
type ReconcileWorkerStats struct {
	IsRunning    bool                    `json:"is_running"`
	TotalCycles  int64                   `json:"total_cycles"`
	TotalSyncs   int64                   `json:"total_syncs"`
	TotalFailed  int64                   `json:"total_failed"`
	TotalRefunds int64                   `json:"total_refunds"`
	LastRunTime  time.Time               `json:"last_run_time"`
	LastReports  []*reconcile.SyncReport `json:"last_reports"`
}
