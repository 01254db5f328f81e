package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// AcquireOnce reports whether key is seen for the first time within the TTL.
// When redis is unavailable it returns true: a duplicate is preferred over a
// lost notification.
func (d *Deduper) AcquireOnce(ctx context.Context, key string) bool {
	ok, err := d.rdb.SetNX(ctx, "dedup:"+key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("dedup_key", key),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated event", zap.String("dedup_key", key))
	}
	return ok
}
