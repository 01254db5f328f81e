package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"deliverybot/pkg/config"
)

func TestSlowQueryTracer_LogsOnlySlowQueries(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tracer := NewSlowQueryTracer(zap.New(core), time.Millisecond)

	fast := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tracer.TraceQueryEnd(fast, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	slowSQL := "SELECT " + strings.Repeat("x", 300)
	slow := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: slowSQL})
	time.Sleep(5 * time.Millisecond)
	tracer.TraceQueryEnd(slow, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	entries := logs.FilterMessage("slow-query").All()
	if assert.Len(t, entries, 1) {
		sql := entries[0].ContextMap()["sql"].(string)
		assert.Len(t, sql, 203)
		assert.True(t, strings.HasSuffix(sql, "..."))
	}
}

func TestSlowQueryTracer_DefaultThreshold(t *testing.T) {
	tracer := NewSlowQueryTracer(zap.NewNop(), 0)
	assert.Equal(t, 100*time.Millisecond, tracer.slowThreshold)
}

func TestSlowQueryTracer_EndWithoutStart(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tracer := NewSlowQueryTracer(zap.New(core), time.Nanosecond)
	tracer.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	assert.Zero(t, logs.Len())
}

func TestNewConnection_NoDSN(t *testing.T) {
	_, err := NewConnection(context.Background(), config.DBConfig{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrNoDSN)
}
