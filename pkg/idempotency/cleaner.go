package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

const (
	// DefaultRetention is how long records are kept.
	DefaultRetention = 24 * time.Hour
	// DefaultCleanupEvery is the default cleanup interval.
	DefaultCleanupEvery = time.Hour
	// DefaultCleanupBatchSize bounds one delete statement.
	DefaultCleanupBatchSize = 1000
)

// CleanerConfig configures periodic cleanup of old records.
type CleanerConfig struct {
	CleanupEvery time.Duration
	Retention    time.Duration
	BatchSize    int
}

func (c *CleanerConfig) normalize() {
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = DefaultCleanupEvery
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultCleanupBatchSize
	}
}

// Cleaner periodically deletes records older than the retention.
type Cleaner struct {
	store  Store
	config CleanerConfig
	log    logger.Logger
}

// NewCleaner creates a cleanup service for idempotency records.
func NewCleaner(store Store, config CleanerConfig, log logger.Logger) (*Cleaner, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	config.normalize()
	return &Cleaner{store: store, config: config, log: log.With("component", "idempotency_cleaner")}, nil
}

// Run cleans up every CleanupEvery until ctx is canceled. Failed rounds are
// logged and retried on the next tick.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.CleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := c.CleanupOnce(ctx, now); err != nil {
				c.log.Warn("idempotency cleanup failed", "error", err)
			}
		}
	}
}

// CleanupOnce deletes records created before now minus the retention,
// batch by batch, and returns how many were removed.
func (c *Cleaner) CleanupOnce(ctx context.Context, now time.Time) (int, error) {
	before := now.UTC().Add(-c.config.Retention)
	total := 0
	for {
		n, err := c.store.DeleteBefore(ctx, before, c.config.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < c.config.BatchSize {
			break
		}
	}
	if total > 0 {
		c.log.Info("idempotency records cleaned up", "deleted", total, "before", before)
	}
	return total, nil
}
