package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/di"
	"github.com/prohmpiriya/theater-seat-inventory/internal/metrics"
	"github.com/prohmpiriya/theater-seat-inventory/internal/worker"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/config"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/kafka"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/retry"
)

const serviceName = "release-consumer"

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
	appLog.Info("Starting Release Consumer...")

	if !cfg.Kafka.Enabled {
		appLog.Fatal("KAFKA_ENABLED must be true for the release consumer")
	}

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

	consumer, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.ReleaseGroup,
		Topics:         []string{cfg.Kafka.ReleaseTopic},
		ClientID:       cfg.Kafka.ClientID + "-" + serviceName,
		MaxRetries:     3,
		RetryInterval:  time.Second,
		SessionTimeout: 30 * time.Second,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create Kafka consumer: %v", err))
	}
	defer consumer.Close()
	appLog.Info(fmt.Sprintf("Kafka consumer connected (topic: %s)", cfg.Kafka.ReleaseTopic))

	// Without a producer failed releases are dropped after the last retry
	var dlqPublisher retry.DLQPublisher
	if infra.Producer != nil {
		dlqPublisher = retry.NewKafkaDLQPublisher(infra.Producer, serviceName)
	}
	dlq := retry.NewDLQHandler(dlqPublisher, retry.DefaultPolicy(), serviceName)

	releaseConsumer := worker.NewReleaseConsumer(
		consumer,
		container.ReservationCoordinator,
		container.StockCoordinator,
		dlq,
		&worker.ReleaseConsumerConfig{WorkerCount: cfg.Kafka.ReleaseWorkerCount},
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := releaseConsumer.Start(ctx); err != nil && err != context.Canceled {
			appLog.Error(fmt.Sprintf("Release consumer error: %v", err))
		}
	}()
	appLog.Info("Release Consumer started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	appLog.Info("Shutting down release consumer...")
	cancel()
	<-done
	appLog.Info("Release Consumer exited gracefully")
}
