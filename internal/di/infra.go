package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prohmpiriya/theater-seat-inventory/internal/lock"
	"github.com/prohmpiriya/theater-seat-inventory/internal/repository"
	"github.com/prohmpiriya/theater-seat-inventory/internal/service"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/config"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/database"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/kafka"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/logger"
	pkgredis "github.com/prohmpiriya/theater-seat-inventory/pkg/redis"
	"github.com/prohmpiriya/theater-seat-inventory/pkg/telemetry"
	"go.uber.org/zap"
)

// Infra holds the connections every process of the inventory shares
type Infra struct {
	DB        *database.PostgresDB
	Redis     *pkgredis.Client
	Locker    lock.Locker
	Producer  *kafka.Producer
	Publisher service.EventPublisher

	closers []func()
}

// InitTelemetry starts tracing and metrics when enabled. The returned func flushes them.
func InitTelemetry(ctx context.Context, cfg *config.Config, serviceName string) func() {
	log := logger.Get()
	if !cfg.OTel.Enabled {
		return func() {}
	}
	_, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        true,
		ServiceName:    serviceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		log.Warn("Failed to initialize telemetry (continuing without tracing)", zap.Error(err))
		return func() {}
	}
	log.Info("OpenTelemetry initialized", zap.String("collector", cfg.OTel.CollectorAddr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(ctx)
	}
}

// Connect opens Postgres, Redis, the lock backend and the event publisher.
// Kafka is optional: without it events go to a no-op publisher.
func Connect(ctx context.Context, cfg *config.Config, serviceName string) (*Infra, error) {
	log := logger.Get()
	infra := &Infra{}

	dbCfg := &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		EnableTracing:   cfg.OTel.Enabled,
	}
	db, err := database.NewPostgres(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	infra.DB = db
	infra.closers = append(infra.closers, db.Close)
	log.Info(fmt.Sprintf("Database connected (pool: min=%d, max=%d)", dbCfg.MinConns, dbCfg.MaxConns))

	redisCfg := &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		PoolTimeout:   4 * time.Second,
		MaxRetries:    3,
		RetryInterval: 100 * time.Millisecond,
	}
	redisClient, err := pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	infra.Redis = redisClient
	infra.closers = append(infra.closers, func() { _ = redisClient.Close() })
	log.Info(fmt.Sprintf("Redis connected (pool: %d, minIdle: %d)", redisCfg.PoolSize, redisCfg.MinIdleConns))

	switch cfg.Lock.Backend {
	case "etcd":
		etcdLocker, err := lock.NewEtcdLocker(&lock.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Prefix:      "/" + cfg.App.Name + "/locks/",
		})
		if err != nil {
			infra.Close()
			return nil, err
		}
		infra.Locker = etcdLocker
		infra.closers = append(infra.closers, func() { _ = etcdLocker.Close() })
		log.Info("Lock backend: etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	default:
		infra.Locker = lock.NewRedisLocker(redisClient)
		log.Info("Lock backend: redis")
	}

	infra.Publisher = service.NewNoOpEventPublisher()
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
			Brokers:       cfg.Kafka.Brokers,
			ClientID:      cfg.Kafka.ClientID + "-" + serviceName,
			MaxRetries:    3,
			RetryInterval: time.Second,
		})
		if err != nil {
			log.Warn(fmt.Sprintf("Kafka connection failed, using no-op publisher: %v", err))
		} else {
			infra.Producer = producer
			infra.Publisher = service.NewKafkaEventPublisher(producer, &service.EventPublisherConfig{
				InventoryTopic: cfg.Kafka.InventoryTopic,
				RefundTopic:    cfg.Kafka.RefundTopic,
				AlertTopic:     cfg.Kafka.AlertTopic,
				ServiceName:    serviceName,
			})
			log.Info("Kafka event publisher connected")
		}
	}
	// publisher owns the producer
	infra.closers = append(infra.closers, func() { _ = infra.Publisher.Close() })

	return infra, nil
}

// Migrate applies the embedded schema
func (i *Infra) Migrate(ctx context.Context) error {
	applied, err := repository.Migrate(ctx, i.DB.Pool())
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Get().Info("Migrations applied", zap.Strings("files", applied))
	}
	return nil
}

// LoadScripts pre-loads the Lua scripts of the Redis-backed stores
func (i *Infra) LoadScripts(ctx context.Context, repos *Repositories) {
	log := logger.Get()
	type scripted interface {
		LoadScripts(ctx context.Context) error
	}
	for _, r := range []interface{}{repos.Leases, repos.Cache} {
		s, ok := r.(scripted)
		if !ok {
			continue
		}
		if err := s.LoadScripts(ctx); err != nil {
			log.Warn(fmt.Sprintf("Failed to pre-load Lua scripts: %v", err))
			return
		}
	}
	log.Info("Lua scripts pre-loaded into Redis")
}

// Close releases connections in reverse order of opening
func (i *Infra) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n]()
	}
	i.closers = nil
}
