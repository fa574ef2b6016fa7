package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/theater-seat-inventory/internal/di"
	"github.com/prohmpiriya/theater-seat-inventory/internal/metrics"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/config"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/middleware"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
)

const serviceName = "seat-inventory"

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
	appLog.Info("Starting Seat Inventory Service...")

	ctx := context.Background()

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

	if err := infra.Migrate(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Migration failed: %v", err))
	}

	repos := di.NewRepositories(infra.DB, infra.Redis)
	infra.LoadScripts(ctx, repos)

	// Build dependency injection container
	container := di.NewContainer(&di.ContainerConfig{
		Config:         cfg,
		DB:             infra.DB,
		Redis:          infra.Redis,
		Repos:          repos,
		Locker:         infra.Locker,
		EventPublisher: infra.Publisher,
		BoxOffice:      di.NewBoxOfficeAdapter(cfg),
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DisableConsoleColor()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.TracingMiddleware(serviceName))

	// Health check endpoints
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/ready", container.HealthHandler.Ready)

	authCfg := &middleware.ServiceAuthConfig{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	}
	idempotency := middleware.IdempotencyMiddleware(middleware.DefaultIdempotencyConfig(infra.Redis.Client()))

	// API routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": cfg.App.Version,
				"service": serviceName,
			})
		})

		// Seat map reads are public
		sessions := v1.Group("/sessions/:session_id")
		{
			sessions.GET("/seats", container.SeatHandler.GetSeatMap)
			sessions.GET("/seats/:seat_id", container.SeatHandler.GetSeat)
			sessions.GET("/stock/:tier_id", container.SeatHandler.GetStock)
		}

		reservations := v1.Group("/reservations")
		reservations.Use(middleware.ServiceAuth(authCfg, "inventory:write"), idempotency)
		{
			reservations.POST("", container.ReservationHandler.Reserve)
			reservations.POST("/:order_token/confirm", container.ReservationHandler.Confirm)
			reservations.POST("/:order_token/release", container.ReservationHandler.Release)
		}

		stock := v1.Group("/stock")
		stock.Use(middleware.ServiceAuth(authCfg, "inventory:write"), idempotency)
		{
			stock.POST("/decrement", container.StockHandler.Decrement)
			stock.POST("/increment", container.StockHandler.Increment)
			stock.POST("/holds", container.StockHandler.Hold)
			stock.POST("/holds/:order_token/confirm", container.StockHandler.ConfirmHold)
			stock.POST("/holds/:order_token/release", container.StockHandler.ReleaseHold)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.ServiceAuth(authCfg, "inventory:admin"))
		{
			admin.POST("/sessions/:session_id/cache/rebuild", container.AdminHandler.RebuildCache)
			admin.POST("/sessions/:session_id/sync", container.AdminHandler.SyncSession)
		}
	}

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	// Start server in goroutine
	go func() {
		appLog.Info(fmt.Sprintf("Seat Inventory Service listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server forced to shutdown: %v", err))
	}

	appLog.Info("Server exited gracefully")
}
