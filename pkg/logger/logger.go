package logger

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"deliverybot/pkg/trace"
)

// NewLogger 创建 production logger; level 为空时使用 info
func NewLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(strings.ToLower(level)); err == nil && level != "" {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// WithTrace 从 context 中提取 trace_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}
