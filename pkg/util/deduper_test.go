package util

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestDeduper_AcquireOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewDeduper(rdb, time.Minute, nil)
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "notify:A1:x"))
	assert.False(t, d.AcquireOnce(ctx, "notify:A1:x"))
	assert.True(t, d.AcquireOnce(ctx, "notify:A1:y"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "notify:A1:x"))
}

func TestDeduper_RedisDownAllows(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	d := NewDeduper(rdb, time.Minute, nil)
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "k"))
	assert.True(t, d.AcquireOnce(context.Background(), "k"))
}
