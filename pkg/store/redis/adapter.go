package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// Config holds Redis connection settings.
type Config struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
}

// Adapter owns the shared go-redis client used by the bus and the rate limiter.
type Adapter struct {
	client *redis.Client
	logger logger.Logger
}

// Options converts cfg into go-redis options.
func Options(cfg Config) (*redis.Options, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.DialTimeout = 5 * time.Second
	if cfg.OperationTimeout > 0 {
		opts.ReadTimeout = cfg.OperationTimeout
		opts.WriteTimeout = cfg.OperationTimeout
	}
	return opts, nil
}

// Open connects to Redis and pings it.
func Open(cfg Config, log logger.Logger) (*Adapter, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info("redis connection established", "addr", opts.Addr, "pool_size", opts.PoolSize)
	return &Adapter{client: client, logger: log}, nil
}

// Client returns the underlying client.
func (a *Adapter) Client() *redis.Client {
	return a.client
}

// HealthCheck pings Redis with a short timeout.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.client.Ping(ctx).Err(); err != nil {
		a.logger.Error("redis health check failed", "error", err)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the client and its pool.
func (a *Adapter) Close() error {
	if err := a.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	a.logger.Info("redis connection closed")
	return nil
}
