package config

import "time"

// Bus backends for cross-process fan-out. BusNone skips the bus and hands
// events straight to this process's live connections.
const (
	BusRedis  = "redis"
	BusAMQP   = "amqp"
	BusMemory = "memory"
	BusNone   = "none"
)

// Rate limiter backends.
const (
	RateLimitBackendRedis  = "redis"
	RateLimitBackendMemory = "memory"
)

// Config is the root configuration of the chatsync service.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Updates       UpdatesConfig       `mapstructure:"updates"`
	AMQP          AMQPConfig          `mapstructure:"amqp"`
	Mirror        MirrorConfig        `mapstructure:"mirror"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the API server. WriteTimeout stays zero by default
// because update streams are long-lived.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestSize  int64         `mapstructure:"max_request_size"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// UpdatesConfig configures the update distribution core.
type UpdatesConfig struct {
	Bus                    string    `mapstructure:"bus"`
	ChannelPrefix          string    `mapstructure:"channel_prefix"`
	MaxRetained            int64     `mapstructure:"max_retained"`
	TrimInterval           int64     `mapstructure:"trim_interval"`
	AllocationRetries      int       `mapstructure:"allocation_retries"`
	DiffDefaultLimit       int       `mapstructure:"diff_default_limit"`
	DiffMaxLimit           int       `mapstructure:"diff_max_limit"`
	PublishConcurrency     int       `mapstructure:"publish_concurrency"`
	PublishEndpointEnabled bool      `mapstructure:"publish_endpoint_enabled"`
	SSE                    SSEConfig `mapstructure:"sse"`
}

// SSEConfig configures live connections.
type SSEConfig struct {
	MaxConnections     int           `mapstructure:"max_connections"`
	ClientBuffer       int           `mapstructure:"client_buffer"`
	DropOnBackpressure bool          `mapstructure:"drop_on_backpressure"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
}

// AMQPConfig configures the RabbitMQ bus used when updates.bus is amqp.
type AMQPConfig struct {
	URL              string        `mapstructure:"url"`
	Exchange         string        `mapstructure:"exchange"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// MirrorConfig configures the Kafka copy of every appended event.
type MirrorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Brokers         []string      `mapstructure:"brokers"`
	Topic           string        `mapstructure:"topic"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// IdempotencyConfig configures the idempotency guard.
type IdempotencyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	CleanupEnabled bool          `mapstructure:"cleanup_enabled"`
	Retention      time.Duration `mapstructure:"retention"`
	CleanupEvery   time.Duration `mapstructure:"cleanup_every"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// RateLimitConfig configures per-route admission budgets.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Backend string        `mapstructure:"backend"`
	Prefix  string        `mapstructure:"prefix"`
	Publish RateLimitRule `mapstructure:"publish"`
	Diff    RateLimitRule `mapstructure:"diff"`
	Stream  RateLimitRule `mapstructure:"stream"`
}

// RateLimitRule is one route's budget.
type RateLimitRule struct {
	Limit         int `mapstructure:"limit"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// AuthConfig configures bearer token validation. Secret selects HS256;
// JWKSURL selects RS256.
type AuthConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Secret            string        `mapstructure:"secret"`
	JWKSURL           string        `mapstructure:"jwks_url"`
	JWKSCacheTTL      time.Duration `mapstructure:"jwks_cache_ttl"`
	Issuer            string        `mapstructure:"issuer"`
	Audience          string        `mapstructure:"audience"`
	Leeway            time.Duration `mapstructure:"leeway"`
	OrganizationClaim string        `mapstructure:"organization_claim"`
	AllowQueryToken   bool          `mapstructure:"allow_query_token"`
	PublishScope      string        `mapstructure:"publish_scope"`
	// TrustedSubjectHeader names the gateway header read when auth is
	// disabled.
	TrustedSubjectHeader string `mapstructure:"trusted_subject_header"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"`
	MetricsEnabled    bool    `mapstructure:"metrics_enabled"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
	TracingInsecure   bool    `mapstructure:"tracing_insecure"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "chatsync", Environment: "development"},
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxRequestSize:  1 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
			ConnectTimeout:  5 * time.Second,
		},
		Redis: RedisConfig{OperationTimeout: 2 * time.Second},
		Updates: UpdatesConfig{
			Bus:                BusRedis,
			ChannelPrefix:      "chatsync:updates",
			MaxRetained:        5000,
			TrimInterval:       100,
			AllocationRetries:  5,
			DiffDefaultLimit:   200,
			DiffMaxLimit:       1000,
			PublishConcurrency: 16,
			SSE: SSEConfig{
				MaxConnections:     10000,
				ClientBuffer:       64,
				DropOnBackpressure: true,
				HeartbeatInterval:  20 * time.Second,
			},
		},
		AMQP:   AMQPConfig{Exchange: "chatsync.updates", OperationTimeout: 5 * time.Second},
		Mirror: MirrorConfig{
			Topic:           "chatsync.updates",
			WriteTimeout:    5 * time.Second,
			MaxAttempts:     3,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Enabled:      true,
			MaxBodyBytes: 1 << 20,
			Retention:    24 * time.Hour,
			CleanupEvery: time.Hour,
			BatchSize:    1000,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Backend: RateLimitBackendRedis,
			Prefix:  "ratelimit",
			Publish: RateLimitRule{Limit: 600, WindowSeconds: 60},
			Diff:    RateLimitRule{Limit: 120, WindowSeconds: 60},
			Stream:  RateLimitRule{Limit: 30, WindowSeconds: 60},
		},
		Auth: AuthConfig{
			Enabled:              true,
			JWKSCacheTTL:         time.Hour,
			Leeway:               30 * time.Second,
			OrganizationClaim:    "org_id",
			AllowQueryToken:      true,
			PublishScope:         "updates:publish",
			TrustedSubjectHeader: "X-Subject-Id",
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			MetricsEnabled:    true,
			TracingSampleRate: 1.0,
			TracingInsecure:   true,
		},
	}
}
