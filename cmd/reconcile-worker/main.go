package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prohmpiriya/theater-seat-inventory/internal/di"
	"github.com/prohmpiriya/theater-seat-inventory/internal/metrics"
	"github.com/prohmpiriya/theater-seat-inventory/internal/reconcile"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/config"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const serviceName = "reconcile-worker"

type options struct {
	session string
	once    bool
	init    bool
}

func main() {
	var opts options
	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&opts.session, "session", "", "reconcile only this session, then exit")
	flagSet.BoolVar(&opts.once, "once", false, "run a single cycle over every active binding, then exit")
	flagSet.BoolVar(&opts.init, "init", false, "rebuild snapshots from the box office instead of diffing")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("Invalid arguments: %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, opts); err != nil {
		logger.Get().Error("Reconcile worker failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options) error {
	appLog := logger.Get()
	appLog.Info("Starting Reconcile Worker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry := di.InitTelemetry(ctx, cfg, serviceName)
	defer shutdownTelemetry()
	if err := metrics.Init(); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to register metrics: %v", err))
	}

	adapter := di.NewBoxOfficeAdapter(cfg)
	if adapter == nil {
		return errors.New("BOXOFFICE_BASE_URL is required")
	}

	infra, err := di.Connect(ctx, cfg, serviceName)
	if err != nil {
		return err
	}
	defer infra.Close()

	repos := di.NewRepositories(infra.DB, infra.Redis)
	infra.LoadScripts(ctx, repos)

	container := di.NewContainer(&di.ContainerConfig{
		Config:         cfg,
		DB:             infra.DB,
		Redis:          infra.Redis,
		Repos:          repos,
		Locker:         infra.Locker,
		EventPublisher: infra.Publisher,
		BoxOffice:      adapter,
	})
	syncOpts := reconcile.SyncOptions{ForceInit: opts.init}

	switch {
	case opts.session != "":
		report, err := container.ReconcileWorker.RunSession(ctx, opts.session, syncOpts)
		if report != nil {
			logReport(report)
		}
		return err
	case opts.once:
		reports, err := container.ReconcileWorker.RunOnce(ctx, syncOpts)
		for _, r := range reports {
			if r != nil {
				logReport(r)
			}
		}
		return err
	}

	if err := container.ReconcileWorker.Start(ctx); err != nil {
		return err
	}
	appLog.Info("Reconcile Worker started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down reconcile worker...")
	cancel()
	container.ReconcileWorker.Stop()

	stats := container.ReconcileWorker.GetStats()
	appLog.Info(fmt.Sprintf("Reconcile Worker exited (cycles=%d syncs=%d failed=%d refunds=%d)",
		stats.TotalCycles, stats.TotalSyncs, stats.TotalFailed, stats.TotalRefunds))
	return nil
}

func logReport(r *reconcile.SyncReport) {
	logger.Get().Info("Session reconciled",
		zap.String("session_id", r.SessionID),
		zap.Bool("init", r.Init),
		zap.Bool("skipped", r.Skipped),
		zap.Bool("drift", r.Drift),
		zap.Int("changed", r.Changed),
		zap.Int("applied", r.Applied),
		zap.Int("failed", r.Failed),
		zap.Int("refunds", r.Refunds),
		zap.Int("locks_pushed", r.LocksPushed),
		zap.Int("unlocks_pushed", r.UnlocksPushed),
		zap.Duration("duration", r.Duration),
	)
}
