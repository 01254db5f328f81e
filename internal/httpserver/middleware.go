package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"deliverybot/pkg/logger"
	"deliverybot/pkg/metrics"
	"deliverybot/pkg/trace"
	"deliverybot/pkg/util"
)

// TraceMiddleware 读取或生成 X-Trace-ID，写入 request context 和响应头
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(trace.HeaderName())
		if id == "" {
			id = trace.NewID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), id))
		c.Header(trace.HeaderName(), id)
		c.Next()
	}
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func AccessLogMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithTrace(c.Request.Context(), log).Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// RecoveryMiddleware 捕获 panic，返回统一的错误结构
func RecoveryMiddleware(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithTrace(c.Request.Context(), log).Error("Handler panic", zap.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Internal server error"})
	})
}

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "missing token"})
			return
		}

		subject, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "invalid token"})
			return
		}

		c.Set("subject", subject)
		c.Next()
	}
}
