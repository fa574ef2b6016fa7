package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prohmpiriya/theater-seat-inventory/internal/di"
	"github.com/prohmpiriya/theater-seat-inventory/internal/metrics"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/config"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
)

const serviceName = "lease-sweeper"

func main() {
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

	appLog := logger.Get()
	appLog.Info("Starting Lease Sweeper...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry := di.InitTelemetry(ctx, cfg, serviceName)
	defer shutdownTelemetry()
	if err := metrics.Init(); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to register metrics: %v", err))
	}

	infra, err := di.Connect(ctx, cfg, serviceName)
	if err != nil {
		appLog.Fatal(err.Error())
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
	})

	if err := container.LeaseSweeper.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start lease sweeper: %v", err))
	}
	appLog.Info("Lease Sweeper started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down lease sweeper...")
	cancel()
	container.LeaseSweeper.Stop()

	stats := container.LeaseSweeper.GetStats()
	appLog.Info(fmt.Sprintf("Lease Sweeper exited (orders=%d seats=%d stock=%d failures=%d)",
		stats.TotalOrders, stats.TotalSeats, stats.TotalStock, stats.TotalFailures))
}
