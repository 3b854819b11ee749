package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimburion/chatsync/pkg/api"
	"github.com/nimburion/chatsync/pkg/auth"
	"github.com/nimburion/chatsync/pkg/config"
	"github.com/nimburion/chatsync/pkg/health"
	"github.com/nimburion/chatsync/pkg/idempotency"
	"github.com/nimburion/chatsync/pkg/middleware/logging"
	"github.com/nimburion/chatsync/pkg/middleware/tracing"
	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/observability/metrics"
	obstracing "github.com/nimburion/chatsync/pkg/observability/tracing"
	"github.com/nimburion/chatsync/pkg/ratelimit"
	"github.com/nimburion/chatsync/pkg/realtime/sse"
	"github.com/nimburion/chatsync/pkg/store/postgres"
	"github.com/nimburion/chatsync/pkg/store/redis"
	"github.com/nimburion/chatsync/pkg/updates"
	"github.com/nimburion/chatsync/pkg/version"
)

// capacityDegradedAt is the share of SSE slots in use that reports degraded.
const capacityDegradedAt = 0.9

// App is a fully wired chatsync process.
type App struct {
	cfg *config.Config
	log logger.Logger

	server     *Server
	dispatcher *updates.Dispatcher
	registry   *sse.Registry
	cleaner    *idempotency.Cleaner
	sweeper    *ratelimit.MemoryLimiter

	// closers run in order on shutdown.
	closers []LifecycleHook
}

// Build connects every dependency named by cfg and assembles the HTTP
// surface. On error everything opened so far is closed again.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	info := version.Current(cfg.Service.Name)
	app = &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = runHooks(log, app.closers, 5*time.Second)
		}
	}()

	provider, err := obstracing.NewProvider(ctx, obstracing.Config{
		Enabled:        cfg.Observability.TracingEnabled,
		ServiceName:    info.Service,
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Insecure:       cfg.Observability.TracingInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize tracing provider: %w", err)
	}
	app.onClose("tracer", provider.Shutdown)

	metricsRegistry := metrics.NewRegistry(metricsNamespace(cfg.Service.Name))
	reg := metricsRegistry.Registerer()
	updatesMetrics, err := updates.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register update metrics: %w", err)
	}
	sseMetrics, err := sse.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register live metrics: %w", err)
	}
	healthRegistry := health.NewRegistry()

	db, err := postgres.Open(postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		QueryTimeout:    cfg.Database.QueryTimeout,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	app.onClose("postgres", func(context.Context) error { return db.Close() })
	healthRegistry.Register(health.NewDatabaseChecker("postgres", db))

	var redisAdapter *redis.Adapter
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		redisAdapter, err = redis.Open(redis.Config{
			URL:              cfg.Redis.URL,
			MaxConns:         cfg.Redis.MaxConns,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.onClose("redis", func(context.Context) error { return redisAdapter.Close() })
		var opts []health.RegisterOption
		if cfg.Updates.Bus != config.BusRedis {
			// Only the fail-open limiter depends on it.
			opts = append(opts, health.NonCritical())
		}
		healthRegistry.Register(health.NewCacheChecker("redis", redisAdapter), opts...)
	}

	bus, err := app.buildBus(redisAdapter, updatesMetrics, healthRegistry)
	if err != nil {
		return nil, err
	}

	var mirror updates.Mirror
	if cfg.Mirror.Enabled {
		kafkaMirror, err := updates.NewKafkaMirror(updates.KafkaMirrorConfig{
			Brokers:         cfg.Mirror.Brokers,
			Topic:           cfg.Mirror.Topic,
			WriteTimeout:    cfg.Mirror.WriteTimeout,
			MaxAttempts:     cfg.Mirror.MaxAttempts,
			BreakerFailures: cfg.Mirror.BreakerFailures,
			BreakerCooldown: cfg.Mirror.BreakerCooldown,
			Logger:          log,
		})
		if err != nil {
			return nil, fmt.Errorf("create kafka mirror: %w", err)
		}
		mirror = kafkaMirror
		app.onClose("kafka_mirror", func(context.Context) error { return kafkaMirror.Close() })
	}

	eventLog := updates.NewPostgresLog(db, updates.PostgresLogConfig{
		Retention: updates.RetentionPolicy{
			MaxRetained:  cfg.Updates.MaxRetained,
			TrimInterval: cfg.Updates.TrimInterval,
		},
		AllocationRetries: cfg.Updates.AllocationRetries,
	}, log, updatesMetrics)

	registry := sse.NewRegistry(sse.Config{
		MaxConnections:     cfg.Updates.SSE.MaxConnections,
		ClientBuffer:       cfg.Updates.SSE.ClientBuffer,
		DropOnBackpressure: cfg.Updates.SSE.DropOnBackpressure,
		HeartbeatInterval:  cfg.Updates.SSE.HeartbeatInterval,
	}, bus, log, sseMetrics)
	app.registry = registry
	healthRegistry.Register(health.CapacityChecker("sse_capacity", capacityDegradedAt, func() (int, int) {
		return registry.Total(), registry.Config().MaxConnections
	}), health.NonCritical())

	app.dispatcher, err = updates.NewDispatcher(updates.DispatcherConfig{
		Log:         eventLog,
		Filter:      updates.NewNotificationFilter(updates.NewPostgresMembershipReader(db)),
		Bus:         bus,
		Local:       registry,
		Mirror:      mirror,
		Concurrency: cfg.Updates.PublishConcurrency,
		Logger:      log,
		Metrics:     updatesMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	var guard *idempotency.Guard
	if cfg.Idempotency.Enabled {
		store := idempotency.NewPostgresStore(db)
		if guard, err = idempotency.NewGuard(store, log); err != nil {
			return nil, fmt.Errorf("create idempotency guard: %w", err)
		}
		if cfg.Idempotency.CleanupEnabled {
			app.cleaner, err = idempotency.NewCleaner(store, idempotency.CleanerConfig{
				CleanupEvery: cfg.Idempotency.CleanupEvery,
				Retention:    cfg.Idempotency.Retention,
				BatchSize:    cfg.Idempotency.BatchSize,
			}, log)
			if err != nil {
				return nil, fmt.Errorf("create idempotency cleaner: %w", err)
			}
		}
	}

	limiter, err := app.buildLimiter(redisAdapter)
	if err != nil {
		return nil, err
	}

	authenticate, streamAuthenticate, err := buildAuth(cfg.Auth, log)
	if err != nil {
		return nil, err
	}

	updatesHandler, err := api.NewUpdatesHandler(
		updates.NewCatchUp(eventLog, cfg.Updates.DiffDefaultLimit, cfg.Updates.DiffMaxLimit),
		app.dispatcher, log)
	if err != nil {
		return nil, err
	}
	stream, err := sse.NewHandler(sse.HandlerConfig{
		Registry: registry,
		Recipient: func(r *http.Request) (string, error) {
			return auth.SubjectFromRequest(r), nil
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	router, err := api.NewRouter(api.RouterConfig{
		ServiceName:        info.Service,
		Logger:             log,
		Updates:            updatesHandler,
		Stream:             stream,
		Authenticate:       authenticate,
		StreamAuthenticate: streamAuthenticate,
		PublishScope:       cfg.Auth.PublishScope,
		Limiter:            limiter,
		Limits: api.Limits{
			Publish: ratelimit.Rule(cfg.RateLimit.Publish),
			Diff:    ratelimit.Rule(cfg.RateLimit.Diff),
			Stream:  ratelimit.Rule(cfg.RateLimit.Stream),
		},
		Guard:             guard,
		MaxIdempotentBody: cfg.Idempotency.MaxBodyBytes,
		MaxRequestSize:    cfg.HTTP.MaxRequestSize,
		PublishEnabled:    cfg.Updates.PublishEndpointEnabled,
		Metrics:           metricsRegistry,
		Health:            healthRegistry,
		Logging:           logging.DefaultConfig(),
		Tracing:           tracing.Config{ExcludedPathPrefixes: []string{api.HealthPath, api.MetricsPath}},
	})
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	app.server = NewServer(Config{
		Port:            cfg.HTTP.Port,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, router, log)
	// Streams never go idle; ending them lets Shutdown drain.
	app.server.RegisterOnShutdown(func() { _ = registry.Close() })

	log.Info("application version metadata",
		"service", info.Service, "version", info.Version, "commit", info.Commit, "build_time", info.BuildTime)
	return app, nil
}

// Dispatcher is the in-process publish API for mutation handlers.
func (a *App) Dispatcher() *updates.Dispatcher { return a.dispatcher }

// Run serves HTTP and runs background maintenance until ctx is cancelled,
// then closes every dependency.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.HTTP.Port))
	if err != nil {
		_ = a.Close()
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.server.Serve(groupCtx, ln) })
	if a.cleaner != nil {
		group.Go(func() error { return ignoreCanceled(a.cleaner.Run(groupCtx)) })
	}
	if a.sweeper != nil {
		group.Go(func() error { return a.sweep(groupCtx) })
	}

	err := group.Wait()
	if closeErr := a.Close(); closeErr != nil {
		a.log.Error("shutdown completed with errors", "error", closeErr)
	}
	return err
}

// Close releases live connections and every dependency.
func (a *App) Close() error {
	if a.registry != nil {
		_ = a.registry.Close()
	}
	hooks := a.closers
	a.closers = nil
	return runHooks(a.log, hooks, 10*time.Second)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	// Later dependencies close first.
	a.closers = append([]LifecycleHook{{Name: name, Fn: fn}}, a.closers...)
}

func (a *App) buildBus(redisAdapter *redis.Adapter, m *updates.Metrics, healthRegistry *health.Registry) (updates.Bus, error) {
	cfg := a.cfg
	switch cfg.Updates.Bus {
	case config.BusNone:
		return nil, nil
	case config.BusMemory:
		bus := updates.NewInMemoryBus(a.log, m)
		a.onClose("memory_bus", func(context.Context) error { return bus.Close() })
		return bus, nil
	case config.BusAMQP:
		bus, err := updates.NewAMQPBus(updates.AMQPBusConfig{
			URL:              cfg.AMQP.URL,
			Exchange:         cfg.AMQP.Exchange,
			OperationTimeout: cfg.AMQP.OperationTimeout,
		}, a.log, m)
		if err != nil {
			return nil, fmt.Errorf("connect amqp bus: %w", err)
		}
		a.onClose("amqp_bus", func(context.Context) error { return bus.Close() })
		healthRegistry.Register(health.NewMessageBrokerChecker("amqp", bus))
		return bus, nil
	default:
		if redisAdapter == nil {
			return nil, errors.New("redis bus requires redis.url")
		}
		bus := updates.NewRedisBus(redisAdapter.Client(), updates.RedisBusConfig{
			Prefix:           cfg.Updates.ChannelPrefix,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, a.log, m)
		a.onClose("redis_bus", func(context.Context) error { return bus.Close() })
		return bus, nil
	}
}

func (a *App) buildLimiter(redisAdapter *redis.Adapter) (ratelimit.Limiter, error) {
	cfg := a.cfg.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Backend == config.RateLimitBackendMemory {
		a.sweeper = ratelimit.NewMemoryLimiter()
		return a.sweeper, nil
	}
	if redisAdapter == nil {
		return nil, errors.New("redis rate limiter requires redis.url")
	}
	limiter, err := ratelimit.NewRedisLimiter(redisAdapter.Client(), ratelimit.RedisConfig{
		Prefix:           cfg.Prefix,
		OperationTimeout: a.cfg.Redis.OperationTimeout,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}
	return limiter, nil
}

// sweep drops idle in-memory rate limit buckets once a minute.
func (a *App) sweep(ctx context.Context) error {
	maxWindow := time.Duration(maxInt(
		a.cfg.RateLimit.Publish.WindowSeconds,
		a.cfg.RateLimit.Diff.WindowSeconds,
		a.cfg.RateLimit.Stream.WindowSeconds,
	)) * time.Second
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := a.sweeper.Sweep(maxWindow); n > 0 {
				a.log.Debug("rate limit buckets swept", "buckets", n)
			}
		}
	}
}

func buildAuth(cfg config.AuthConfig, log logger.Logger) (authenticate, streamAuthenticate func(http.Handler) http.Handler, err error) {
	if !cfg.Enabled {
		log.Warn("authentication disabled, trusting gateway header", "header", cfg.TrustedSubjectHeader)
		trust := auth.TrustHeader(cfg.TrustedSubjectHeader, log)
		return trust, trust, nil
	}
	validatorCfg := auth.Config{
		Issuer:            cfg.Issuer,
		Audience:          cfg.Audience,
		Leeway:            cfg.Leeway,
		OrganizationClaim: cfg.OrganizationClaim,
	}
	if cfg.JWKSURL != "" {
		validatorCfg.Keys = auth.NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, log)
	} else {
		validatorCfg.Secret = []byte(cfg.Secret)
	}
	validator, err := auth.NewValidator(validatorCfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("create token validator: %w", err)
	}
	authenticate = auth.Authenticate(auth.MiddlewareConfig{Validator: validator, Logger: log})
	streamAuthenticate = auth.Authenticate(auth.MiddlewareConfig{
		Validator:       validator,
		AllowQueryToken: cfg.AllowQueryToken,
		Logger:          log,
	})
	return authenticate, streamAuthenticate, nil
}

func metricsNamespace(service string) string {
	ns := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(service))
	if ns == "" {
		return "chatsync"
	}
	return ns
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func maxInt(values ...int) int {
	out := 0
	for _, v := range values {
		if v > out {
			out = v
		}
	}
	return out
}
