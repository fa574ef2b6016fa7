package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	JWT         JWTConfig
	OTel        OTelConfig
	Lock        LockConfig
	Etcd        EtcdConfig
	Reservation ReservationConfig
	Sweeper     SweeperConfig
	Reconcile   ReconcileConfig
	BoxOffice   BoxOfficeConfig
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string
	Environment string // development, staging, production
	LogLevel    string
	Version     string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings and topic names
type KafkaConfig struct {
	Enabled            bool
	Brokers            []string
	ClientID           string
	InventoryTopic     string
	RefundTopic        string
	AlertTopic         string
	ReleaseTopic       string
	ReleaseGroup       string
	ReleaseWorkerCount int
}

// JWTConfig holds service token verification settings
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool
	ServiceName   string
	CollectorAddr string
	SampleRatio   float64
}

// LockConfig selects and tunes the distributed lock
type LockConfig struct {
	Backend      string // redis | etcd
	TTL          time.Duration
	Wait         time.Duration
	PollInterval time.Duration
}

// EtcdConfig holds etcd client settings
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// ReservationConfig tunes the reservation coordinator
type ReservationConfig struct {
	LeaseTTL       time.Duration
	VersionRetries int
	MaxSeats       int
}

// SweeperConfig tunes the lease sweeper
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// ReconcileConfig tunes the external reconciler
type ReconcileConfig struct {
	Interval              time.Duration
	Concurrency           int
	SyncTimeout           time.Duration
	AuthFailureThreshold  int
	AuthPauseDuration     time.Duration
	SeatOperationDeadline time.Duration
}

// BoxOfficeConfig holds box-office HTTP adapter settings
type BoxOfficeConfig struct {
	BaseURL      string
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	LockRemark   string
	// Tokens maps box-office account to its session token
	Tokens       map[string]string
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	// .env is optional, environment variables win anyway
	_ = v.ReadInConfig()

	return load(v)
}

// LoadWithPath loads configuration from a specific env file
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "seat-inventory")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_LOG_LEVEL", "info")
	v.SetDefault("APP_VERSION", "1.0.0")

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8083)
	v.SetDefault("SERVER_READ_TIMEOUT", "5s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "seat_inventory")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_CONNS", 50)
	v.SetDefault("DATABASE_MIN_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "5m")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	v.SetDefault("KAFKA_ENABLED", true)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CLIENT_ID", "seat-inventory")
	v.SetDefault("KAFKA_INVENTORY_TOPIC", "seat-inventory.events")
	v.SetDefault("KAFKA_REFUND_TOPIC", "order.refund-required")
	v.SetDefault("KAFKA_ALERT_TOPIC", "ops.alerts")
	v.SetDefault("KAFKA_RELEASE_TOPIC", "order.seat-release")
	v.SetDefault("KAFKA_RELEASE_GROUP", "seat-release-consumer")
	v.SetDefault("KAFKA_RELEASE_WORKER_COUNT", 4)

	v.SetDefault("JWT_SECRET", "change-me-service-secret")
	v.SetDefault("JWT_ISSUER", "order-service")
	v.SetDefault("JWT_AUDIENCE", "seat-inventory")

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "seat-inventory")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	v.SetDefault("LOCK_BACKEND", "redis")
	v.SetDefault("LOCK_TTL", "60s")
	v.SetDefault("LOCK_WAIT", "2s")
	v.SetDefault("LOCK_POLL_INTERVAL", "25ms")

	v.SetDefault("ETCD_ENDPOINTS", "localhost:2379")
	v.SetDefault("ETCD_DIAL_TIMEOUT", "5s")

	v.SetDefault("RESERVATION_LEASE_TTL", "10m")
	v.SetDefault("RESERVATION_VERSION_RETRIES", 3)
	v.SetDefault("RESERVATION_MAX_SEATS", 10)

	v.SetDefault("SWEEPER_INTERVAL", "5s")
	v.SetDefault("SWEEPER_BATCH_SIZE", 100)

	v.SetDefault("RECONCILE_INTERVAL", "60s")
	v.SetDefault("RECONCILE_CONCURRENCY", 4)
	v.SetDefault("RECONCILE_SYNC_TIMEOUT", "45s")
	v.SetDefault("RECONCILE_AUTH_FAILURE_THRESHOLD", 3)
	v.SetDefault("RECONCILE_AUTH_PAUSE_DURATION", "5m")
	v.SetDefault("RECONCILE_SEAT_OPERATION_DEADLINE", "5s")

	v.SetDefault("BOXOFFICE_BASE_URL", "http://localhost:9400")
	v.SetDefault("BOXOFFICE_TIMEOUT", "5s")
	v.SetDefault("BOXOFFICE_MAX_ATTEMPTS", 3)
	v.SetDefault("BOXOFFICE_INITIAL_DELAY", "500ms")
	v.SetDefault("BOXOFFICE_MAX_DELAY", "5s")
	v.SetDefault("BOXOFFICE_LOCK_REMARK", "platform-sold")
	v.SetDefault("BOXOFFICE_TOKENS", "")
}

func bindConfig(v *viper.Viper, cfg *Config) {
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.LogLevel = v.GetString("APP_LOG_LEVEL")
	cfg.App.Version = v.GetString("APP_VERSION")

	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxConns = v.GetInt32("DATABASE_MAX_CONNS")
	cfg.Database.MinConns = v.GetInt32("DATABASE_MIN_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")

	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	cfg.Kafka.Enabled = v.GetBool("KAFKA_ENABLED")
	cfg.Kafka.Brokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")
	cfg.Kafka.InventoryTopic = v.GetString("KAFKA_INVENTORY_TOPIC")
	cfg.Kafka.RefundTopic = v.GetString("KAFKA_REFUND_TOPIC")
	cfg.Kafka.AlertTopic = v.GetString("KAFKA_ALERT_TOPIC")
	cfg.Kafka.ReleaseTopic = v.GetString("KAFKA_RELEASE_TOPIC")
	cfg.Kafka.ReleaseGroup = v.GetString("KAFKA_RELEASE_GROUP")
	cfg.Kafka.ReleaseWorkerCount = v.GetInt("KAFKA_RELEASE_WORKER_COUNT")

	cfg.JWT.Secret = v.GetString("JWT_SECRET")
	cfg.JWT.Issuer = v.GetString("JWT_ISSUER")
	cfg.JWT.Audience = v.GetString("JWT_AUDIENCE")

	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	cfg.Lock.Backend = strings.ToLower(v.GetString("LOCK_BACKEND"))
	cfg.Lock.TTL = v.GetDuration("LOCK_TTL")
	cfg.Lock.Wait = v.GetDuration("LOCK_WAIT")
	cfg.Lock.PollInterval = v.GetDuration("LOCK_POLL_INTERVAL")

	cfg.Etcd.Endpoints = splitList(v.GetString("ETCD_ENDPOINTS"))
	cfg.Etcd.DialTimeout = v.GetDuration("ETCD_DIAL_TIMEOUT")

	cfg.Reservation.LeaseTTL = v.GetDuration("RESERVATION_LEASE_TTL")
	cfg.Reservation.VersionRetries = v.GetInt("RESERVATION_VERSION_RETRIES")
	cfg.Reservation.MaxSeats = v.GetInt("RESERVATION_MAX_SEATS")

	cfg.Sweeper.Interval = v.GetDuration("SWEEPER_INTERVAL")
	cfg.Sweeper.BatchSize = v.GetInt("SWEEPER_BATCH_SIZE")

	cfg.Reconcile.Interval = v.GetDuration("RECONCILE_INTERVAL")
	cfg.Reconcile.Concurrency = v.GetInt("RECONCILE_CONCURRENCY")
	cfg.Reconcile.SyncTimeout = v.GetDuration("RECONCILE_SYNC_TIMEOUT")
	cfg.Reconcile.AuthFailureThreshold = v.GetInt("RECONCILE_AUTH_FAILURE_THRESHOLD")
	cfg.Reconcile.AuthPauseDuration = v.GetDuration("RECONCILE_AUTH_PAUSE_DURATION")
	cfg.Reconcile.SeatOperationDeadline = v.GetDuration("RECONCILE_SEAT_OPERATION_DEADLINE")

	cfg.BoxOffice.BaseURL = v.GetString("BOXOFFICE_BASE_URL")
	cfg.BoxOffice.Timeout = v.GetDuration("BOXOFFICE_TIMEOUT")
	cfg.BoxOffice.MaxAttempts = v.GetInt("BOXOFFICE_MAX_ATTEMPTS")
	cfg.BoxOffice.InitialDelay = v.GetDuration("BOXOFFICE_INITIAL_DELAY")
	cfg.BoxOffice.MaxDelay = v.GetDuration("BOXOFFICE_MAX_DELAY")
	cfg.BoxOffice.LockRemark = v.GetString("BOXOFFICE_LOCK_REMARK")
	cfg.BoxOffice.Tokens = splitPairs(v.GetString("BOXOFFICE_TOKENS"))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitPairs parses "account=token,account2=token2"
func splitPairs(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitList(s) {
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if c.IsProduction() && c.JWT.Secret == "change-me-service-secret" {
		return fmt.Errorf("JWT secret must be changed in production")
	}
	switch c.Lock.Backend {
	case "redis":
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("ETCD_ENDPOINTS is required when LOCK_BACKEND=etcd")
		}
	default:
		return fmt.Errorf("unknown lock backend: %q", c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 || c.Lock.Wait < 0 {
		return fmt.Errorf("invalid lock timing: ttl=%s wait=%s", c.Lock.TTL, c.Lock.Wait)
	}
	if c.Reservation.LeaseTTL <= 0 {
		return fmt.Errorf("RESERVATION_LEASE_TTL must be positive")
	}
	if c.Reservation.VersionRetries < 1 {
		return fmt.Errorf("RESERVATION_VERSION_RETRIES must be at least 1")
	}
	if c.Reconcile.AuthFailureThreshold < 1 {
		return fmt.Errorf("RECONCILE_AUTH_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when Kafka is enabled")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
