package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

const defaultPrefix = "ratelimit"

// slidingWindowScript prunes, counts and conditionally records in one step.
// Redis server time is used so that every process shares one clock.
//
// KEYS[1] bucket, ARGV[1] limit, ARGV[2] window ms, ARGV[3] member.
// Returns {allowed, remaining, retryAfterSeconds}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[3])
  redis.call('PEXPIRE', key, window + 1000)
  return {1, limit - count - 1, 0}
end

local retry = 1
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  retry = math.ceil((tonumber(oldest[2]) + window - now) / 1000)
  if retry < 1 then
    retry = 1
  end
end
return {0, 0, retry}
`)

// RedisLimiter shares windows across processes through Redis sorted sets
// named <prefix>:<len(scope)>:<scope>:<key>.
type RedisLimiter struct {
	client    redis.Scripter
	prefix    string
	opTimeout time.Duration
	log       logger.Logger
}

// RedisConfig configures RedisLimiter.
type RedisConfig struct {
	Prefix           string
	OperationTimeout time.Duration
}

// NewRedisLimiter creates a limiter on an existing client.
func NewRedisLimiter(client redis.Scripter, cfg RedisConfig, log logger.Logger) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required for distributed rate limiting")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 2 * time.Second
	}
	return &RedisLimiter{
		client:    client,
		prefix:    cfg.Prefix,
		opTimeout: cfg.OperationTimeout,
		log:       log.With("component", "rate_limiter"),
	}, nil
}

// Check implements Limiter.
func (l *RedisLimiter) Check(ctx context.Context, scope, key string, limit, windowSeconds int) (Decision, error) {
	if err := validate(scope, key, limit, windowSeconds); err != nil {
		return Decision{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	values, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.bucketKey(scope, key)},
		limit, int64(windowSeconds)*1000, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check %s: %w", scope, err)
	}
	return decisionFromScript(values)
}

func (l *RedisLimiter) bucketKey(scope, key string) string {
	return l.prefix + ":" + bucketName(scope, key)
}

func decisionFromScript(values []int64) (Decision, error) {
	if len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply %v", values)
	}
	return Decision{
		Allowed:           values[0] == 1,
		Remaining:         int(values[1]),
		RetryAfterSeconds: int(values[2]),
	}, nil
}
