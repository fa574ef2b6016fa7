package di

import (
	"github.com/prohmpiriya/theater-seat-inventory/internal/boxoffice"
	"github.com/prohmpiriya/theater-seat-inventory/internal/handler"
	"github.com/prohmpiriya/theater-seat-inventory/internal/lock"
	"github.com/prohmpiriya/theater-seat-inventory/internal/reconcile"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/internal/worker"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/config"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/database"
	pkgredis "github.com/prohmpiriya/theater-seat-inventory/pkg/redis"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/retry"
)

// Repositories groups the stores the services run on
type Repositories struct {
	Seats       repository.SeatRepository
	Stock       repository.StockRepository
	Cache       repository.SeatCache
	Leases      repository.LeaseRepository
	Snapshots   repository.SnapshotRepository
	Bindings    repository.BindingRepository
	RefundFlags repository.RefundFlagRepository
}

// NewRepositories builds the production stores: records in Postgres, projections
// and leases in Redis
func NewRepositories(db *database.PostgresDB, redis *pkgredis.Client) *Repositories {
	return &Repositories{
		Seats:       repository.NewPostgresSeatRepository(db.Pool()),
		Stock:       repository.NewPostgresStockRepository(db.Pool()),
		Cache:       repository.NewRedisSeatCache(redis),
		Leases:      repository.NewRedisLeaseRepository(redis),
		Snapshots:   repository.NewRedisSnapshotRepository(redis),
		Bindings:    repository.NewPostgresBindingRepository(db.Pool()),
		RefundFlags: repository.NewPostgresRefundFlagRepository(db.Pool()),
	}
}

// NewMemoryRepositories builds in-process stores
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Seats:       repository.NewMemorySeatRepository(),
		Stock:       repository.NewMemoryStockRepository(),
		Cache:       repository.NewMemorySeatCache(),
		Leases:      repository.NewMemoryLeaseRepository(),
		Snapshots:   repository.NewMemorySnapshotRepository(),
		Bindings:    repository.NewMemoryBindingRepository(),
		RefundFlags: repository.NewMemoryRefundFlagRepository(),
	}
}

// Container holds all dependencies for the seat inventory
type Container struct {
	// Infrastructure
	Health map[string]handler.HealthChecker
	Locker lock.Locker

	// Repositories
	Repos *Repositories

	// Publishers
	EventPublisher service.EventPublisher

	// Services
	SeatService            service.SeatService
	ReservationCoordinator service.ReservationCoordinator
	StockCoordinator       service.StockCoordinator
	Reconciler             *reconcile.Reconciler

	// Workers
	LeaseSweeper    *worker.LeaseSweeper
	ReconcileWorker *worker.ReconcileWorker

	// Handlers
	HealthHandler      *handler.HealthHandler
	SeatHandler        *handler.SeatHandler
	ReservationHandler *handler.ReservationHandler
	StockHandler       *handler.StockHandler
	AdminHandler       *handler.AdminHandler
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	Config         *config.Config
	DB             *database.PostgresDB
	Redis          *pkgredis.Client
	Repos          *Repositories
	Locker         lock.Locker
	EventPublisher service.EventPublisher
	// BoxOffice is nil when no box-office integration is configured
	BoxOffice      boxoffice.Adapter
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) *Container {
	appCfg := cfg.Config
	c := &Container{
		Health:         make(map[string]handler.HealthChecker),
		Locker:         cfg.Locker,
		Repos:          cfg.Repos,
		EventPublisher: cfg.EventPublisher,
	}
	if cfg.DB != nil {
		c.Health["database"] = cfg.DB
	}
	if cfg.Redis != nil {
		c.Health["redis"] = cfg.Redis
	}
	if c.EventPublisher == nil {
		c.EventPublisher = service.NewNoOpEventPublisher()
	}

	// Initialize services
	c.SeatService = service.NewSeatService(c.Repos.Seats, c.Repos.Cache, &service.SeatServiceConfig{
		VersionRetries: appCfg.Reservation.VersionRetries,
	})
	c.ReservationCoordinator = service.NewReservationCoordinator(
		c.Repos.Seats,
		c.SeatService,
		c.Repos.Leases,
		c.Locker,
		c.EventPublisher,
		&service.ReservationConfig{
			LockTTL:        appCfg.Lock.TTL,
			LockWait:       appCfg.Lock.Wait,
			LockPoll:       appCfg.Lock.PollInterval,
			LeaseTTL:       appCfg.Reservation.LeaseTTL,
			VersionRetries: appCfg.Reservation.VersionRetries,
			MaxSeats:       appCfg.Reservation.MaxSeats,
		},
	)
	c.StockCoordinator = service.NewStockCoordinator(
		c.Repos.Stock,
		c.Repos.Leases,
		c.EventPublisher,
		&service.StockConfig{
			LeaseTTL: appCfg.Reservation.LeaseTTL,
			Locker:   c.Locker,
			LockTTL:  appCfg.Lock.TTL,
			LockWait: appCfg.Lock.Wait,
			LockPoll: appCfg.Lock.PollInterval,
		},
	)

	// Initialize workers
	c.LeaseSweeper = worker.NewLeaseSweeper(c.Repos.Leases, c.ReservationCoordinator, c.StockCoordinator, &worker.LeaseSweeperConfig{
		ScanInterval: appCfg.Sweeper.Interval,
		BatchSize:    appCfg.Sweeper.BatchSize,
	})

	var syncer handler.SessionSyncRunner
	if cfg.BoxOffice != nil {
		c.Reconciler = reconcile.NewReconciler(reconcile.Dependencies{
			Seats:       c.Repos.Seats,
			SeatService: c.SeatService,
			Leases:      c.Repos.Leases,
			Snapshots:   c.Repos.Snapshots,
			RefundFlags: c.Repos.RefundFlags,
			Adapter:     cfg.BoxOffice,
			Locker:      c.Locker,
			Publisher:   c.EventPublisher,
			Guard: reconcile.NewAccountGuard(
				appCfg.Reconcile.AuthFailureThreshold,
				appCfg.Reconcile.AuthPauseDuration,
				nil,
			),
		}, &reconcile.Config{
			SessionLockTTL: appCfg.Reconcile.SyncTimeout,
			SeatLockTTL:    appCfg.Lock.TTL,
			SeatLockWait:   appCfg.Lock.Wait,
			SeatTimeout:    appCfg.Reconcile.SeatOperationDeadline,
			LockRemark:     appCfg.BoxOffice.LockRemark,
		})
		c.ReconcileWorker = worker.NewReconcileWorker(c.Repos.Bindings, c.Reconciler, &worker.ReconcileWorkerConfig{
			Interval:    appCfg.Reconcile.Interval,
			Concurrency: appCfg.Reconcile.Concurrency,
			SyncTimeout: appCfg.Reconcile.SyncTimeout,
		})
		syncer = c.ReconcileWorker
	}

	// Initialize handlers
	c.HealthHandler = handler.NewHealthHandler(c.Health)
	c.SeatHandler = handler.NewSeatHandler(c.SeatService, c.StockCoordinator)
	c.ReservationHandler = handler.NewReservationHandler(c.ReservationCoordinator, c.StockCoordinator)
	c.StockHandler = handler.NewStockHandler(c.StockCoordinator)
	c.AdminHandler = handler.NewAdminHandler(c.SeatService, syncer)

	return c
}

// NewBoxOfficeAdapter builds the HTTP box-office client, or nil when no base URL
// is configured
func NewBoxOfficeAdapter(cfg *config.Config) boxoffice.Adapter {
	if cfg.BoxOffice.BaseURL == "" {
		return nil
	}
	return boxoffice.NewHTTPClient(&boxoffice.HTTPClientConfig{
		BaseURL: cfg.BoxOffice.BaseURL,
		Timeout: cfg.BoxOffice.Timeout,
		Retry: &retry.Policy{
			MaxAttempts:  cfg.BoxOffice.MaxAttempts,
			InitialDelay: cfg.BoxOffice.InitialDelay,
			MaxDelay:     cfg.BoxOffice.MaxDelay,
			Multiplier:   2.0,
			Jitter:       0.1,
		},
	}, boxoffice.StaticCredentials(cfg.BoxOffice.Tokens))
}
