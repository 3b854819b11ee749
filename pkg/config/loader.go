package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "CHATSYNC"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to CHATSYNC)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	if strings.TrimSpace(envPrefix) == "" {
		envPrefix = DefaultEnvPrefix
	}
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// Load loads configuration with precedence: ENV > secrets file > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load()
	return cfg, err
}

// LoadSettings is Load that also returns the merged raw settings, keyed the
// way they appear in a config file.
func (l *ViperLoader) LoadSettings() (*Config, map[string]any, error) {
	cfg, v, err := l.load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, v.AllSettings(), nil
}

func (l *ViperLoader) load() (*Config, *viper.Viper, error) {
	v := viper.New()

	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	if err := l.mergeSecrets(v); err != nil {
		return nil, nil, err
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, v, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// HTTP
	v.BindEnv("http.port", l.prefixedEnv("HTTP_PORT"))
	v.BindEnv("http.read_timeout", l.prefixedEnv("HTTP_READ_TIMEOUT"))
	v.BindEnv("http.write_timeout", l.prefixedEnv("HTTP_WRITE_TIMEOUT"))
	v.BindEnv("http.idle_timeout", l.prefixedEnv("HTTP_IDLE_TIMEOUT"))
	v.BindEnv("http.shutdown_timeout", l.prefixedEnv("HTTP_SHUTDOWN_TIMEOUT"))
	v.BindEnv("http.max_request_size", l.prefixedEnv("HTTP_MAX_REQUEST_SIZE"))

	// Database
	v.BindEnv("database.url", l.prefixedEnv("DB_URL"), l.prefixedEnv("DATABASE_URL"))
	v.BindEnv("database.max_open_conns", l.prefixedEnv("DB_MAX_OPEN_CONNS"))
	v.BindEnv("database.max_idle_conns", l.prefixedEnv("DB_MAX_IDLE_CONNS"))
	v.BindEnv("database.conn_max_lifetime", l.prefixedEnv("DB_CONN_MAX_LIFETIME"))
	v.BindEnv("database.conn_max_idle_time", l.prefixedEnv("DB_CONN_MAX_IDLE_TIME"))
	v.BindEnv("database.query_timeout", l.prefixedEnv("DB_QUERY_TIMEOUT"))
	v.BindEnv("database.connect_timeout", l.prefixedEnv("DB_CONNECT_TIMEOUT"))

	// Redis
	v.BindEnv("redis.url", l.prefixedEnv("REDIS_URL"))
	v.BindEnv("redis.max_conns", l.prefixedEnv("REDIS_MAX_CONNS"))
	v.BindEnv("redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))

	// Updates
	v.BindEnv("updates.bus", l.prefixedEnv("UPDATES_BUS"))
	v.BindEnv("updates.channel_prefix", l.prefixedEnv("UPDATES_CHANNEL_PREFIX"))
	v.BindEnv("updates.max_retained", l.prefixedEnv("UPDATES_MAX_RETAINED"))
	v.BindEnv("updates.trim_interval", l.prefixedEnv("UPDATES_TRIM_INTERVAL"))
	v.BindEnv("updates.allocation_retries", l.prefixedEnv("UPDATES_ALLOCATION_RETRIES"))
	v.BindEnv("updates.diff_default_limit", l.prefixedEnv("UPDATES_DIFF_DEFAULT_LIMIT"))
	v.BindEnv("updates.diff_max_limit", l.prefixedEnv("UPDATES_DIFF_MAX_LIMIT"))
	v.BindEnv("updates.publish_concurrency", l.prefixedEnv("UPDATES_PUBLISH_CONCURRENCY"))
	v.BindEnv("updates.publish_endpoint_enabled", l.prefixedEnv("UPDATES_PUBLISH_ENDPOINT_ENABLED"))
	v.BindEnv("updates.sse.max_connections", l.prefixedEnv("SSE_MAX_CONNECTIONS"))
	v.BindEnv("updates.sse.client_buffer", l.prefixedEnv("SSE_CLIENT_BUFFER"))
	v.BindEnv("updates.sse.drop_on_backpressure", l.prefixedEnv("SSE_DROP_ON_BACKPRESSURE"))
	v.BindEnv("updates.sse.heartbeat_interval", l.prefixedEnv("SSE_HEARTBEAT_INTERVAL"))

	// AMQP
	v.BindEnv("amqp.url", l.prefixedEnv("AMQP_URL"))
	v.BindEnv("amqp.exchange", l.prefixedEnv("AMQP_EXCHANGE"))
	v.BindEnv("amqp.operation_timeout", l.prefixedEnv("AMQP_OPERATION_TIMEOUT"))

	// Mirror
	v.BindEnv("mirror.enabled", l.prefixedEnv("MIRROR_ENABLED"))
	v.BindEnv("mirror.brokers", l.prefixedEnv("MIRROR_BROKERS"))
	v.BindEnv("mirror.topic", l.prefixedEnv("MIRROR_TOPIC"))
	v.BindEnv("mirror.write_timeout", l.prefixedEnv("MIRROR_WRITE_TIMEOUT"))
	v.BindEnv("mirror.max_attempts", l.prefixedEnv("MIRROR_MAX_ATTEMPTS"))
	v.BindEnv("mirror.breaker_failures", l.prefixedEnv("MIRROR_BREAKER_FAILURES"))
	v.BindEnv("mirror.breaker_cooldown", l.prefixedEnv("MIRROR_BREAKER_COOLDOWN"))

	// Idempotency
	v.BindEnv("idempotency.enabled", l.prefixedEnv("IDEMPOTENCY_ENABLED"))
	v.BindEnv("idempotency.max_body_bytes", l.prefixedEnv("IDEMPOTENCY_MAX_BODY_BYTES"))
	v.BindEnv("idempotency.cleanup_enabled", l.prefixedEnv("IDEMPOTENCY_CLEANUP_ENABLED"))
	v.BindEnv("idempotency.retention", l.prefixedEnv("IDEMPOTENCY_RETENTION"))
	v.BindEnv("idempotency.cleanup_every", l.prefixedEnv("IDEMPOTENCY_CLEANUP_EVERY"))
	v.BindEnv("idempotency.batch_size", l.prefixedEnv("IDEMPOTENCY_BATCH_SIZE"))

	// Rate limiting
	v.BindEnv("rate_limit.enabled", l.prefixedEnv("RATE_LIMIT_ENABLED"))
	v.BindEnv("rate_limit.backend", l.prefixedEnv("RATE_LIMIT_BACKEND"))
	v.BindEnv("rate_limit.prefix", l.prefixedEnv("RATE_LIMIT_PREFIX"))
	v.BindEnv("rate_limit.publish.limit", l.prefixedEnv("RATE_LIMIT_PUBLISH_LIMIT"))
	v.BindEnv("rate_limit.publish.window_seconds", l.prefixedEnv("RATE_LIMIT_PUBLISH_WINDOW_SECONDS"))
	v.BindEnv("rate_limit.diff.limit", l.prefixedEnv("RATE_LIMIT_DIFF_LIMIT"))
	v.BindEnv("rate_limit.diff.window_seconds", l.prefixedEnv("RATE_LIMIT_DIFF_WINDOW_SECONDS"))
	v.BindEnv("rate_limit.stream.limit", l.prefixedEnv("RATE_LIMIT_STREAM_LIMIT"))
	v.BindEnv("rate_limit.stream.window_seconds", l.prefixedEnv("RATE_LIMIT_STREAM_WINDOW_SECONDS"))

	// Auth
	v.BindEnv("auth.enabled", l.prefixedEnv("AUTH_ENABLED"))
	v.BindEnv("auth.secret", l.prefixedEnv("AUTH_SECRET"))
	v.BindEnv("auth.jwks_url", l.prefixedEnv("AUTH_JWKS_URL"))
	v.BindEnv("auth.jwks_cache_ttl", l.prefixedEnv("AUTH_JWKS_CACHE_TTL"))
	v.BindEnv("auth.issuer", l.prefixedEnv("AUTH_ISSUER"))
	v.BindEnv("auth.audience", l.prefixedEnv("AUTH_AUDIENCE"))
	v.BindEnv("auth.leeway", l.prefixedEnv("AUTH_LEEWAY"))
	v.BindEnv("auth.organization_claim", l.prefixedEnv("AUTH_ORGANIZATION_CLAIM"))
	v.BindEnv("auth.allow_query_token", l.prefixedEnv("AUTH_ALLOW_QUERY_TOKEN"))
	v.BindEnv("auth.publish_scope", l.prefixedEnv("AUTH_PUBLISH_SCOPE"))
	v.BindEnv("auth.trusted_subject_header", l.prefixedEnv("AUTH_TRUSTED_SUBJECT_HEADER"))

	// Observability
	v.BindEnv("observability.log_level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("observability.log_format", l.prefixedEnv("LOG_FORMAT"))
	v.BindEnv("observability.metrics_enabled", l.prefixedEnv("METRICS_ENABLED"))
	v.BindEnv("observability.tracing_enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("observability.tracing_endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("observability.tracing_sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
	v.BindEnv("observability.tracing_insecure", l.prefixedEnv("TRACING_INSECURE"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return l.envPrefix + "_" + suffix
}

// setDefaults registers every key so that env bindings and Unmarshal see
// the full tree even without a config file.
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_request_size", cfg.HTTP.MaxRequestSize)

	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)
	v.SetDefault("database.connect_timeout", cfg.Database.ConnectTimeout)

	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("redis.max_conns", cfg.Redis.MaxConns)
	v.SetDefault("redis.operation_timeout", cfg.Redis.OperationTimeout)

	v.SetDefault("updates.bus", cfg.Updates.Bus)
	v.SetDefault("updates.channel_prefix", cfg.Updates.ChannelPrefix)
	v.SetDefault("updates.max_retained", cfg.Updates.MaxRetained)
	v.SetDefault("updates.trim_interval", cfg.Updates.TrimInterval)
	v.SetDefault("updates.allocation_retries", cfg.Updates.AllocationRetries)
	v.SetDefault("updates.diff_default_limit", cfg.Updates.DiffDefaultLimit)
	v.SetDefault("updates.diff_max_limit", cfg.Updates.DiffMaxLimit)
	v.SetDefault("updates.publish_concurrency", cfg.Updates.PublishConcurrency)
	v.SetDefault("updates.publish_endpoint_enabled", cfg.Updates.PublishEndpointEnabled)
	v.SetDefault("updates.sse.max_connections", cfg.Updates.SSE.MaxConnections)
	v.SetDefault("updates.sse.client_buffer", cfg.Updates.SSE.ClientBuffer)
	v.SetDefault("updates.sse.drop_on_backpressure", cfg.Updates.SSE.DropOnBackpressure)
	v.SetDefault("updates.sse.heartbeat_interval", cfg.Updates.SSE.HeartbeatInterval)

	v.SetDefault("amqp.url", cfg.AMQP.URL)
	v.SetDefault("amqp.exchange", cfg.AMQP.Exchange)
	v.SetDefault("amqp.operation_timeout", cfg.AMQP.OperationTimeout)

	v.SetDefault("mirror.enabled", cfg.Mirror.Enabled)
	v.SetDefault("mirror.brokers", cfg.Mirror.Brokers)
	v.SetDefault("mirror.topic", cfg.Mirror.Topic)
	v.SetDefault("mirror.write_timeout", cfg.Mirror.WriteTimeout)
	v.SetDefault("mirror.max_attempts", cfg.Mirror.MaxAttempts)
	v.SetDefault("mirror.breaker_failures", cfg.Mirror.BreakerFailures)
	v.SetDefault("mirror.breaker_cooldown", cfg.Mirror.BreakerCooldown)

	v.SetDefault("idempotency.enabled", cfg.Idempotency.Enabled)
	v.SetDefault("idempotency.max_body_bytes", cfg.Idempotency.MaxBodyBytes)
	v.SetDefault("idempotency.cleanup_enabled", cfg.Idempotency.CleanupEnabled)
	v.SetDefault("idempotency.retention", cfg.Idempotency.Retention)
	v.SetDefault("idempotency.cleanup_every", cfg.Idempotency.CleanupEvery)
	v.SetDefault("idempotency.batch_size", cfg.Idempotency.BatchSize)

	v.SetDefault("rate_limit.enabled", cfg.RateLimit.Enabled)
	v.SetDefault("rate_limit.backend", cfg.RateLimit.Backend)
	v.SetDefault("rate_limit.prefix", cfg.RateLimit.Prefix)
	v.SetDefault("rate_limit.publish.limit", cfg.RateLimit.Publish.Limit)
	v.SetDefault("rate_limit.publish.window_seconds", cfg.RateLimit.Publish.WindowSeconds)
	v.SetDefault("rate_limit.diff.limit", cfg.RateLimit.Diff.Limit)
	v.SetDefault("rate_limit.diff.window_seconds", cfg.RateLimit.Diff.WindowSeconds)
	v.SetDefault("rate_limit.stream.limit", cfg.RateLimit.Stream.Limit)
	v.SetDefault("rate_limit.stream.window_seconds", cfg.RateLimit.Stream.WindowSeconds)

	v.SetDefault("auth.enabled", cfg.Auth.Enabled)
	v.SetDefault("auth.secret", cfg.Auth.Secret)
	v.SetDefault("auth.jwks_url", cfg.Auth.JWKSURL)
	v.SetDefault("auth.jwks_cache_ttl", cfg.Auth.JWKSCacheTTL)
	v.SetDefault("auth.issuer", cfg.Auth.Issuer)
	v.SetDefault("auth.audience", cfg.Auth.Audience)
	v.SetDefault("auth.leeway", cfg.Auth.Leeway)
	v.SetDefault("auth.organization_claim", cfg.Auth.OrganizationClaim)
	v.SetDefault("auth.allow_query_token", cfg.Auth.AllowQueryToken)
	v.SetDefault("auth.publish_scope", cfg.Auth.PublishScope)
	v.SetDefault("auth.trusted_subject_header", cfg.Auth.TrustedSubjectHeader)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.metrics_enabled", cfg.Observability.MetricsEnabled)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
}

// Validate checks cross-field constraints and reports every violation.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Mirror.Brokers = normalizeStringSlice(cfg.Mirror.Brokers)
	cfg.Updates.Bus = strings.ToLower(strings.TrimSpace(cfg.Updates.Bus))
	cfg.RateLimit.Backend = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))

	if strings.TrimSpace(cfg.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be between 1 and 65535, got %d", cfg.HTTP.Port))
	}
	if cfg.HTTP.MaxRequestSize <= 0 {
		errs = append(errs, errors.New("http.max_request_size must be positive"))
	}

	if strings.TrimSpace(cfg.Database.URL) == "" {
		errs = append(errs, errors.New("database.url is required"))
	} else if err := validateURL(cfg.Database.URL, "postgres", "postgresql"); err != nil {
		errs = append(errs, fmt.Errorf("database.url: %w", err))
	}
	if cfg.Database.MaxIdleConns > cfg.Database.MaxOpenConns && cfg.Database.MaxOpenConns > 0 {
		errs = append(errs, errors.New("database.max_idle_conns must not exceed database.max_open_conns"))
	}

	validBuses := []string{BusRedis, BusAMQP, BusMemory, BusNone}
	if !contains(validBuses, cfg.Updates.Bus) {
		errs = append(errs, fmt.Errorf("invalid updates.bus: %s (must be one of: %v)", cfg.Updates.Bus, validBuses))
	}
	if cfg.Updates.MaxRetained < 1 {
		errs = append(errs, errors.New("updates.max_retained must be at least 1"))
	}
	if cfg.Updates.TrimInterval < 1 {
		errs = append(errs, errors.New("updates.trim_interval must be at least 1"))
	}
	if cfg.Updates.AllocationRetries < 0 {
		errs = append(errs, errors.New("updates.allocation_retries must not be negative"))
	}
	if cfg.Updates.DiffDefaultLimit < 1 || cfg.Updates.DiffDefaultLimit > cfg.Updates.DiffMaxLimit {
		errs = append(errs, fmt.Errorf("updates.diff_default_limit must be between 1 and updates.diff_max_limit (%d)", cfg.Updates.DiffMaxLimit))
	}
	if cfg.Updates.PublishConcurrency < 1 {
		errs = append(errs, errors.New("updates.publish_concurrency must be at least 1"))
	}
	if cfg.Updates.SSE.MaxConnections < 1 {
		errs = append(errs, errors.New("updates.sse.max_connections must be at least 1"))
	}
	if cfg.Updates.SSE.ClientBuffer < 1 {
		errs = append(errs, errors.New("updates.sse.client_buffer must be at least 1"))
	}
	if cfg.Updates.SSE.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("updates.sse.heartbeat_interval must be positive"))
	}

	needsRedis := cfg.Updates.Bus == BusRedis ||
		(cfg.RateLimit.Enabled && cfg.RateLimit.Backend == RateLimitBackendRedis)
	if needsRedis && strings.TrimSpace(cfg.Redis.URL) == "" {
		errs = append(errs, errors.New("redis.url is required by the redis bus or redis rate limiter"))
	}
	if cfg.Updates.Bus == BusAMQP {
		if strings.TrimSpace(cfg.AMQP.URL) == "" {
			errs = append(errs, errors.New("amqp.url is required when updates.bus is amqp"))
		}
		if strings.TrimSpace(cfg.AMQP.Exchange) == "" {
			errs = append(errs, errors.New("amqp.exchange is required when updates.bus is amqp"))
		}
	}

	if cfg.Mirror.Enabled {
		if len(cfg.Mirror.Brokers) == 0 {
			errs = append(errs, errors.New("mirror.brokers is required when the mirror is enabled"))
		}
		if strings.TrimSpace(cfg.Mirror.Topic) == "" {
			errs = append(errs, errors.New("mirror.topic is required when the mirror is enabled"))
		}
	}

	if cfg.Idempotency.Enabled {
		if cfg.Idempotency.MaxBodyBytes <= 0 {
			errs = append(errs, errors.New("idempotency.max_body_bytes must be positive"))
		}
		if cfg.Idempotency.CleanupEnabled {
			if cfg.Idempotency.Retention <= 0 {
				errs = append(errs, errors.New("idempotency.retention must be positive"))
			}
			if cfg.Idempotency.CleanupEvery <= 0 {
				errs = append(errs, errors.New("idempotency.cleanup_every must be positive"))
			}
			if cfg.Idempotency.BatchSize < 1 {
				errs = append(errs, errors.New("idempotency.batch_size must be at least 1"))
			}
		}
	}

	if cfg.RateLimit.Enabled {
		validBackends := []string{RateLimitBackendRedis, RateLimitBackendMemory}
		if !contains(validBackends, cfg.RateLimit.Backend) {
			errs = append(errs, fmt.Errorf("invalid rate_limit.backend: %s (must be one of: %v)", cfg.RateLimit.Backend, validBackends))
		}
		for name, rule := range map[string]RateLimitRule{
			"publish": cfg.RateLimit.Publish,
			"diff":    cfg.RateLimit.Diff,
			"stream":  cfg.RateLimit.Stream,
		} {
			if rule.Limit < 1 || rule.WindowSeconds < 1 {
				errs = append(errs, fmt.Errorf("rate_limit.%s needs a positive limit and window_seconds", name))
			}
		}
	}

	if cfg.Auth.Enabled {
		hasSecret := strings.TrimSpace(cfg.Auth.Secret) != ""
		hasJWKS := strings.TrimSpace(cfg.Auth.JWKSURL) != ""
		if hasSecret == hasJWKS {
			errs = append(errs, errors.New("exactly one of auth.secret or auth.jwks_url is required when auth is enabled"))
		}
		if hasJWKS {
			if err := validateURL(cfg.Auth.JWKSURL, "http", "https"); err != nil {
				errs = append(errs, fmt.Errorf("auth.jwks_url: %w", err))
			}
		}
		if cfg.Auth.Leeway < 0 {
			errs = append(errs, errors.New("auth.leeway must not be negative"))
		}
	} else if strings.TrimSpace(cfg.Auth.TrustedSubjectHeader) == "" {
		errs = append(errs, errors.New("auth.trusted_subject_header is required when auth is disabled"))
	}

	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !contains(validLevels, strings.ToLower(cfg.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", cfg.Observability.LogLevel, validLevels))
	}
	validFormats := []string{"json", "text", "console"}
	if !contains(validFormats, strings.ToLower(cfg.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", cfg.Observability.LogFormat, validFormats))
	}
	if cfg.Observability.TracingEnabled {
		if strings.TrimSpace(cfg.Observability.TracingEndpoint) == "" {
			errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
		}
		if cfg.Observability.TracingSampleRate < 0 || cfg.Observability.TracingSampleRate > 1 {
			errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
		}
	}

	return errors.Join(errs...)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !contains(schemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("scheme must be one of %v", schemes)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
