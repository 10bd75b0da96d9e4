package config

import (
	"errors"
	"time"
)

// Config represents the entity datastore configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	WriteBehind WriteBehindConfig `mapstructure:"write_behind"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Signals     SignalsConfig     `mapstructure:"signals"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the ops HTTP listener configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL backing store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the distributed cache tier configuration. The tier
// is optional; when disabled the write-behind maps run local-only.
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// NATSConfig represents the change-signal bus configuration. Optional; when
// disabled signals go to the in-process emitter only.
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	PublishAckWait time.Duration `mapstructure:"publish_ack_wait"`
}

// WriteBehindConfig tunes the write-behind maps. The flush interval and
// retry bound are operational constants, not correctness bounds.
type WriteBehindConfig struct {
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	MaxFlushAttempts int           `mapstructure:"max_flush_attempts"`
	MaxBatchSize     int           `mapstructure:"max_batch_size"`
	FlushWorkers     int           `mapstructure:"flush_workers"`
	EagerWarmup      bool          `mapstructure:"eager_warmup"`
}

// IdentityConfig tunes entity key id allocation
type IdentityConfig struct {
	CollisionRetryRate  float64 `mapstructure:"collision_retry_rate"`
	CollisionRetryBurst int     `mapstructure:"collision_retry_burst"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
}

// SignalsConfig tunes change-signal emission
type SignalsConfig struct {
	SyncBatchThreshold int `mapstructure:"sync_batch_threshold"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if c.WriteBehind.FlushInterval <= 0 {
		return errors.New("write_behind.flush_interval must be positive")
	}
	if c.WriteBehind.MaxFlushAttempts <= 0 {
		return errors.New("write_behind.max_flush_attempts must be positive")
	}
	if c.WriteBehind.MaxBatchSize <= 0 {
		return errors.New("write_behind.max_batch_size must be positive")
	}
	if c.Identity.CollisionRetryRate <= 0 {
		return errors.New("identity.collision_retry_rate must be positive")
	}
	if c.Identity.MaxAttempts <= 0 {
		return errors.New("identity.max_attempts must be positive")
	}
	if c.Signals.SyncBatchThreshold <= 0 {
		return errors.New("signals.sync_batch_threshold must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8700,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "entitystore",
			User:            "entitystore",
			Password:        "",
			MaxConnections:  50,
			MinConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     100,
			MinIdleConns: 10,
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			SubjectPrefix:  "entitystore.events",
			PublishAckWait: 5 * time.Second,
		},
		WriteBehind: WriteBehindConfig{
			FlushInterval:    5 * time.Second,
			MaxFlushAttempts: 5,
			MaxBatchSize:     1024,
			FlushWorkers:     4,
			EagerWarmup:      false,
		},
		Identity: IdentityConfig{
			CollisionRetryRate:  10,
			CollisionRetryBurst: 10,
			MaxAttempts:         16,
		},
		Signals: SignalsConfig{
			SyncBatchThreshold: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
