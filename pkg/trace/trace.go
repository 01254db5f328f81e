package trace

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type ctxKey struct{}

// NewID 生成一个新的 trace ID（ULID，按时间排序）
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// FromContext 从 context 中获取 trace_id
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// WithContext 将 trace_id 添加到 context 中
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// Ensure returns ctx unchanged if it already carries a trace id, otherwise a
// child context with a fresh one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithContext(ctx, id), id
}

// HeaderName 返回 trace ID 的 HTTP header 名称
func HeaderName() string {
	return "X-Trace-ID"
}
