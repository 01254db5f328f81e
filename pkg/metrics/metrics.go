package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 对账运行次数
	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Total number of reconciliation runs",
		},
		[]string{"trigger", "result"}, // trigger: http, chat, schedule, cli; result: ok, aborted
	)

	// 对账耗时（秒）
	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
		},
	)

	// 邮件处理计数
	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_processed_count",
			Help: "Total number of emails processed",
		},
		[]string{"outcome"}, // outcome: delivery, not_delivery, failed
	)

	// LLM 调用延迟（毫秒）
	LLMCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "Language model call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"model", "status"},
	)

	// 通知发送计数
	NotificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_count",
			Help: "Total number of chat notifications by result",
		},
		[]string{"result"}, // result: sent, failed, suppressed
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of queries slower than the configured threshold",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordReconcileRun 记录一次对账运行
func RecordReconcileRun(trigger, result string, duration time.Duration) {
	ReconcileRuns.WithLabelValues(trigger, result).Inc()
	ReconcileDuration.Observe(duration.Seconds())
}

// IncrementEmailProcessed 增加邮件处理计数
func IncrementEmailProcessed(outcome string) {
	EmailProcessedCount.WithLabelValues(outcome).Inc()
}

// RecordLLMCallLatency 记录 LLM 调用延迟
func RecordLLMCallLatency(model, status string, duration time.Duration) {
	LLMCallLatency.WithLabelValues(model, status).Observe(float64(duration.Milliseconds()))
}

// IncrementNotification 增加通知计数
func IncrementNotification(result string) {
	NotificationCount.WithLabelValues(result).Inc()
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
