package config

import (
	"fmt"
	"time"
)

// Participant kinds served by the participant binary and addressed by the saga.
const (
	KindStock  = "stock"
	KindCoupon = "coupon"
	KindPoint  = "point"
)

// Channel modes for a saga participant.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Config represents the global configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	CircuitBreak CircuitBreakConfig `mapstructure:"circuit_break"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Saga         SagaConfig         `mapstructure:"saga"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Reaper       ReaperConfig       `mapstructure:"reaper"`
	Participant  ParticipantConfig  `mapstructure:"participant"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Lock         LockConfig         `mapstructure:"lock"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents database configuration.
// Driver is one of mysql, postgres or memory.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// KafkaConfig selects and configures the message bus.
// Driver is kafka or memory. A message whose handler fails is redelivered
// until handled, waiting from RetryBackoff doubling up to MaxBackoff.
type KafkaConfig struct {
	Driver         string        `mapstructure:"driver"`
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	ClientID       string        `mapstructure:"client_id"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// CircuitBreakConfig represents circuit breaker configuration
type CircuitBreakConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxRequests     uint32        `mapstructure:"max_requests"`
	Interval        time.Duration `mapstructure:"interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	FailureRatio    float64       `mapstructure:"failure_ratio"`
	MinRequestCount uint32        `mapstructure:"min_request_count"`
}

type CORSConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
	AllowHeaders []string      `mapstructure:"allow_headers"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

// SagaConfig configures the orchestrator side. UpdateRetries bounds
// optimistic retries when two results race on one saga. A saga still in
// flight StallAfter after its last update is reported as stalled on every
// WatchInterval.
type SagaConfig struct {
	Participants  map[string]ParticipantEndpoint `mapstructure:"participants"`
	UpdateRetries int                            `mapstructure:"update_retries"`
	StallAfter    time.Duration                  `mapstructure:"stall_after"`
	WatchInterval time.Duration                  `mapstructure:"watch_interval"`
}

// ParticipantEndpoint tells the orchestrator how to reach one participant.
type ParticipantEndpoint struct {
	Mode    string        `mapstructure:"mode"` // sync, async
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

type OutboxConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	PublishRate     float64       `mapstructure:"publish_rate"` // entries per second, 0 disables throttling
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// ReaperConfig controls reclamation of abandoned reservations.
type ReaperConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Threshold time.Duration `mapstructure:"threshold"`
	BatchSize int           `mapstructure:"batch_size"`
}

// ParticipantConfig selects which resource a participant binary serves.
type ParticipantConfig struct {
	Kind           string `mapstructure:"kind"`
	VersionRetries int    `mapstructure:"version_retries"`
}

type IdempotencyConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	TTL       time.Duration `mapstructure:"ttl"`
	LocalTTL  time.Duration `mapstructure:"local_ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// LockConfig tunes the pessimistic stock lock.
type LockConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// GetAddr returns the server address
func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetDSN returns the DSN for the configured driver.
func (d *DatabaseConfig) GetDSN() string {
	if d.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.DBName, d.SSLMode)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=UTC",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Charset)
}

// GetAddr returns the Redis address
func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Endpoint returns the configured endpoint for kind, defaulting to async.
func (s *SagaConfig) Endpoint(kind string) ParticipantEndpoint {
	if ep, ok := s.Participants[kind]; ok {
		return ep
	}
	return ParticipantEndpoint{Mode: ModeAsync}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "memory":
	case "mysql", "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Kafka.Driver {
	case "memory":
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
	default:
		return fmt.Errorf("unsupported bus driver: %s", c.Kafka.Driver)
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Reaper.Threshold <= 0 {
		return fmt.Errorf("reaper threshold must be positive")
	}
	if c.Outbox.PollInterval >= c.Reaper.Threshold {
		return fmt.Errorf("outbox poll interval %s must be below the reservation expiry %s",
			c.Outbox.PollInterval, c.Reaper.Threshold)
	}

	for kind, ep := range c.Saga.Participants {
		if !IsKind(kind) {
			return fmt.Errorf("unknown saga participant: %s", kind)
		}
		switch ep.Mode {
		case ModeAsync:
		case ModeSync:
			if ep.BaseURL == "" {
				return fmt.Errorf("participant %s: base_url is required in sync mode", kind)
			}
		default:
			return fmt.Errorf("participant %s: invalid mode %q", kind, ep.Mode)
		}
	}

	if c.Participant.Kind != "" && !IsKind(c.Participant.Kind) {
		return fmt.Errorf("invalid participant kind: %s", c.Participant.Kind)
	}

	return nil
}

// IsKind reports whether kind names a known participant.
func IsKind(kind string) bool {
	return kind == KindStock || kind == KindCoupon || kind == KindPoint
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Port == 0 {
		if c.Database.Driver == "postgres" {
			c.Database.Port = 5432
		} else {
			c.Database.Port = 3306
		}
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 5
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	if c.Kafka.Driver == "" {
		c.Kafka.Driver = "kafka"
	}
	if c.Kafka.MinBytes == 0 {
		c.Kafka.MinBytes = 10e3
	}
	if c.Kafka.MaxBytes == 0 {
		c.Kafka.MaxBytes = 10e6
	}
	if c.Kafka.WriteTimeout == 0 {
		c.Kafka.WriteTimeout = 10 * time.Second
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 10 * time.Millisecond
	}
	if c.Kafka.DialTimeout == 0 {
		c.Kafka.DialTimeout = 5 * time.Second
	}
	if c.Kafka.ConnectRetries == 0 {
		c.Kafka.ConnectRetries = 5
	}
	if c.Kafka.RetryBackoff == 0 {
		c.Kafka.RetryBackoff = 100 * time.Millisecond
	}
	if c.Kafka.MaxBackoff == 0 {
		c.Kafka.MaxBackoff = 10 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "promotion"
	}

	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 0.1
	}

	if c.CircuitBreak.MaxRequests == 0 {
		c.CircuitBreak.MaxRequests = 5
	}
	if c.CircuitBreak.Interval == 0 {
		c.CircuitBreak.Interval = 60 * time.Second
	}
	if c.CircuitBreak.Timeout == 0 {
		c.CircuitBreak.Timeout = 30 * time.Second
	}
	if c.CircuitBreak.FailureRatio == 0 {
		c.CircuitBreak.FailureRatio = 0.5
	}
	if c.CircuitBreak.MinRequestCount == 0 {
		c.CircuitBreak.MinRequestCount = 10
	}

	if len(c.CORS.AllowHeaders) == 0 {
		c.CORS.AllowHeaders = []string{"Origin", "Content-Type", "X-User-Id", "X-Request-Id"}
	}
	if c.CORS.MaxAge == 0 {
		c.CORS.MaxAge = 12 * time.Hour
	}

	if c.Saga.UpdateRetries == 0 {
		c.Saga.UpdateRetries = 5
	}
	if c.Saga.StallAfter == 0 {
		c.Saga.StallAfter = 30 * time.Minute
	}
	if c.Saga.WatchInterval == 0 {
		c.Saga.WatchInterval = 5 * time.Minute
	}
	for kind, ep := range c.Saga.Participants {
		if ep.Mode == "" {
			ep.Mode = ModeAsync
		}
		if ep.Timeout == 0 {
			ep.Timeout = 3 * time.Second
		}
		if ep.Retries == 0 {
			ep.Retries = 2
		}
		c.Saga.Participants[kind] = ep
	}

	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.PublishTimeout == 0 {
		c.Outbox.PublishTimeout = 5 * time.Second
	}
	if c.Outbox.Retention == 0 {
		c.Outbox.Retention = 24 * time.Hour
	}
	if c.Outbox.CleanupInterval == 0 {
		c.Outbox.CleanupInterval = time.Hour
	}

	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = 10 * time.Minute
	}
	if c.Reaper.Threshold == 0 {
		c.Reaper.Threshold = 10 * time.Minute
	}
	if c.Reaper.BatchSize == 0 {
		c.Reaper.BatchSize = 500
	}

	if c.Participant.VersionRetries == 0 {
		c.Participant.VersionRetries = 5
	}

	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.LocalTTL == 0 {
		c.Idempotency.LocalTTL = 10 * time.Minute
	}
	if c.Idempotency.KeyPrefix == "" {
		c.Idempotency.KeyPrefix = "processed:"
	}

	if c.Lock.TTL == 0 {
		c.Lock.TTL = 5 * time.Second
	}
	if c.Lock.MaxRetries == 0 {
		c.Lock.MaxRetries = 50
	}
	if c.Lock.RetryDelay == 0 {
		c.Lock.RetryDelay = 20 * time.Millisecond
	}
}
